package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/cloudflare/cloudflare-go/v6"
)

// Values of the error_type label on cfgeo_api_errors_total.
const (
	ErrorTypeAuth      = "auth"
	ErrorTypeNotFound  = "not_found"
	ErrorTypeConflict  = "conflict"
	ErrorTypeRejected  = "rejected"
	ErrorTypeRateLimit = "rate_limit"
	ErrorTypeServer    = "server_error"
	ErrorTypeTimeout   = "timeout"
	ErrorTypeCanceled  = "canceled"
	ErrorTypeNetwork   = "network"
	ErrorTypeUnknown   = "unknown"
)

// ClassifyAPIError maps a failed pool or load balancer call to an error_type
// label. A nil error yields "".
//
// Conflict covers a create that lost to another cluster's create of the same
// pool name; rejected covers any other 4xx, usually an invalid pool or load
// balancer document.
func ClassifyAPIError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	}

	return classifyTransport(err)
}

func classifyStatus(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusNotFound:
		return ErrorTypeNotFound
	case code == http.StatusConflict:
		return ErrorTypeConflict
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code >= http.StatusInternalServerError && code < 600:
		return ErrorTypeServer
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return ErrorTypeRejected
	default:
		return ErrorTypeUnknown
	}
}

func classifyTransport(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ErrorTypeNetwork
	}

	return ErrorTypeUnknown
}

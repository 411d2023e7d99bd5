package controller

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// EventSource opens a bounded watch over matching ingresses.
//
// The stream ends without an error after timeout; the caller reconnects.
type EventSource interface {
	Open(ctx context.Context, labelSelector string, timeout time.Duration) (watch.Interface, error)
}

// KubeEventSource watches networking.k8s.io/v1 Ingresses in all namespaces.
type KubeEventSource struct {
	client kubernetes.Interface
}

// NewKubeEventSource creates an EventSource backed by a typed clientset.
func NewKubeEventSource(client kubernetes.Interface) *KubeEventSource {
	return &KubeEventSource{client: client}
}

// Open starts a watch without a resource version, so the API server first
// replays every matching ingress as an Added event.
func (s *KubeEventSource) Open(ctx context.Context, labelSelector string, timeout time.Duration) (watch.Interface, error) {
	opts := metav1.ListOptions{LabelSelector: labelSelector}

	if timeout > 0 {
		timeoutSeconds := max(int64(timeout/time.Second), 1)
		opts.TimeoutSeconds = &timeoutSeconds
	}

	watcher, err := s.client.NetworkingV1().Ingresses(metav1.NamespaceAll).Watch(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to watch ingresses")
	}

	return watcher, nil
}

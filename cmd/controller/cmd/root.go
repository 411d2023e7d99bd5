package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/controller"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

//nolint:gochecknoglobals // read error surfaced by runController
var configFileErr error

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "cloudflare-geo-pool-controller",
	Short: "Multi-cluster Ingress controller for Cloudflare Load Balancing pools",
	Long: `A Kubernetes controller that watches labelled Ingress resources and merges
their load balancer addresses into per-cluster Cloudflare Load Balancing pools.
The pool for the cluster is then bound to a Cloudflare Load Balancer serving
a shared hostname, so several clusters converge on one geo-steered entry point.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file (geo-locations table and any flag)")

	// Cloudflare flags
	rootCmd.Flags().String("api-token", "", "Cloudflare API token (or use CF_API_TOKEN env var)")
	rootCmd.Flags().String("account-id", "", "Cloudflare account ID (auto-detected when empty)")
	rootCmd.Flags().String("zone-id", "", "Cloudflare zone ID holding the load balancer")
	rootCmd.Flags().Duration("request-timeout", config.DefaultRequestTimeout, "Timeout for a single Cloudflare API request")
	rootCmd.Flags().Int("max-retries", config.DefaultMaxRetries, "Cloudflare client retries for network errors, 429 and 5xx")
	rootCmd.Flags().Bool("validate-zone", true, "Check at startup that lb-hostname belongs to the zone")

	// Load balancer flags
	rootCmd.Flags().String("lb-hostname", config.DefaultHostname, "Load balancer hostname shared by all clusters")
	rootCmd.Flags().Bool("lb-proxied", true, "Proxy load balancer traffic through Cloudflare")
	rootCmd.Flags().Int64("lb-ttl", config.DefaultTTL, "Load balancer DNS TTL in seconds")
	rootCmd.Flags().String("lb-steering-policy", config.DefaultSteeringPolicy, "Load balancer steering policy")

	// Pool flags
	rootCmd.Flags().Float64("origin-weight", config.DefaultOriginWeight, "Weight of origins added by this cluster (0-100)")
	rootCmd.Flags().String("geo-location", "", "Region of this cluster (eu, us_east, us_west, asia)")
	rootCmd.Flags().Bool("multi-geo", false, "Read the region from each Ingress geo-location label")
	rootCmd.Flags().Bool("pool-name-geo-suffix", true, "Append the region to pool names")

	// Watch flags
	rootCmd.Flags().String("label-selector", config.DefaultLabelSelector, "Label selector for watched Ingresses")
	rootCmd.Flags().Duration("watch-timeout", config.DefaultWatchTimeout, "Duration of a single watch connection")
	rootCmd.Flags().Duration("reconnect-delay", config.DefaultReconnectDelay, "Fixed delay between watch connections")
	rootCmd.Flags().Duration("event-timeout", config.DefaultEventTimeout, "Timeout for processing a single event")

	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election between replicas in one cluster")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "cloudflare-geo-pool-controller-leader", "Name of the leader election lease")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	configureViper(viper.GetViper())

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)

		if err := viper.ReadInConfig(); err != nil {
			configFileErr = errors.Wrapf(err, "failed to read config file %s", file)
		}
	}
}

// configureViper sets env bindings and defaults on v.
func configureViper(v *viper.Viper) {
	v.SetEnvPrefix("CF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Unprefixed names used by existing deployments.
	_ = v.BindEnv("geo-location", "CF_GEO_LOCATION", "GEO_LOCATION")
	_ = v.BindEnv("label-selector", "CF_LABEL_SELECTOR", "LABEL_SELECTOR")

	defaults := config.Default()

	v.SetDefault("lb-hostname", defaults.Hostname)
	v.SetDefault("lb-proxied", defaults.Proxied)
	v.SetDefault("lb-ttl", defaults.TTL)
	v.SetDefault("lb-steering-policy", defaults.SteeringPolicy)
	v.SetDefault("origin-weight", defaults.OriginWeight)
	v.SetDefault("pool-name-geo-suffix", defaults.PoolNameGeoSuffix)
	v.SetDefault("label-selector", defaults.LabelSelector)
	v.SetDefault("watch-timeout", defaults.WatchTimeout)
	v.SetDefault("reconnect-delay", defaults.ReconnectDelay)
	v.SetDefault("event-timeout", defaults.EventTimeout)
	v.SetDefault("request-timeout", defaults.RequestTimeout)
	v.SetDefault("max-retries", defaults.MaxRetries)
	v.SetDefault("validate-zone", defaults.ValidateZone)
	v.SetDefault("metrics-addr", defaults.MetricsAddr)
	v.SetDefault("health-addr", defaults.HealthAddr)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("leader-elect", false)
	v.SetDefault("leader-election-name", "cloudflare-geo-pool-controller-leader")
}

// loadConfig builds and validates the controller configuration from v.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()

	cfg.APIToken = v.GetString("api-token")
	cfg.AccountID = v.GetString("account-id")
	cfg.ZoneID = v.GetString("zone-id")
	cfg.RequestTimeout = v.GetDuration("request-timeout")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.ValidateZone = v.GetBool("validate-zone")

	cfg.Hostname = v.GetString("lb-hostname")
	cfg.Proxied = v.GetBool("lb-proxied")
	cfg.TTL = v.GetInt64("lb-ttl")
	cfg.SteeringPolicy = v.GetString("lb-steering-policy")

	cfg.OriginWeight = v.GetFloat64("origin-weight")
	cfg.GeoLocation = config.GeoKey(v.GetString("geo-location"))
	cfg.MultiGeo = v.GetBool("multi-geo")
	cfg.PoolNameGeoSuffix = v.GetBool("pool-name-geo-suffix")

	cfg.LabelSelector = v.GetString("label-selector")
	cfg.WatchTimeout = v.GetDuration("watch-timeout")
	cfg.ReconnectDelay = v.GetDuration("reconnect-delay")
	cfg.EventTimeout = v.GetDuration("event-timeout")

	cfg.MetricsAddr = v.GetString("metrics-addr")
	cfg.HealthAddr = v.GetString("health-addr")
	cfg.LeaderElect = v.GetBool("leader-elect")
	cfg.LeaderElectNS = v.GetString("leader-election-namespace")
	cfg.LeaderElectName = v.GetString("leader-election-name")

	if v.IsSet("geo-locations") {
		var entries map[string]config.GeoLocation

		err := v.UnmarshalKey("geo-locations", &entries)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode geo-locations")
		}

		table := make(map[config.GeoKey]config.GeoLocation, len(entries))
		for key, loc := range entries {
			table[config.GeoKey(key)] = loc
		}

		cfg.GeoLocations, err = config.NewGeoTable(table)
		if err != nil {
			return nil, errors.Wrap(err, "invalid geo-locations")
		}
	}

	err := cfg.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &cfg, nil
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

//nolint:noinlineerr // inline error handling is fine here
func runController(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting cloudflare-geo-pool-controller",
		"version", version,
		"gitsha", gitsha,
	)

	if configFileErr != nil {
		return configFileErr
	}

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Run(ctx, cfg); err != nil {
		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}

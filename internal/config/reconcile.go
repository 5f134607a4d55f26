package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconcileConfig holds reconciliation policy knobs that operators may tune
// without redeploying, loaded from reconcile.yml and hot-reloaded on change.
type ReconcileConfig struct {
	// RetainCanceledSubscriptionID keeps the subscription id on the
	// entitlement after cancellation for audit purposes. When false the id
	// is cleared on subscription.canceled.
	RetainCanceledSubscriptionID bool `mapstructure:"retainCanceledSubscriptionId"`

	Retry RetryPolicy `mapstructure:"retry"`
}

// RetryPolicy controls re-dispatch of failed webhook events.
type RetryPolicy struct {
	MaxAttempts    int `mapstructure:"maxAttempts"`
	BackoffSeconds int `mapstructure:"backoffSeconds"`
	BatchSize      int `mapstructure:"batchSize"`
	PollSeconds    int `mapstructure:"pollSeconds"`
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		RetainCanceledSubscriptionID: true,
		Retry: RetryPolicy{
			MaxAttempts:    5,
			BackoffSeconds: 60,
			BatchSize:      50,
			PollSeconds:    30,
		},
	}
}

// ReconcileConfigHolder exposes the current policy with atomic hot reload.
type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

func NewReconcileConfigHolder() (*ReconcileConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/hookline/config")
	v.AddConfigPath("/etc/hookline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconcileConfig()
	v.SetDefault("reconcile.retainCanceledSubscriptionId", defaults.RetainCanceledSubscriptionID)
	v.SetDefault("reconcile.retry.maxAttempts", defaults.Retry.MaxAttempts)
	v.SetDefault("reconcile.retry.backoffSeconds", defaults.Retry.BackoffSeconds)
	v.SetDefault("reconcile.retry.batchSize", defaults.Retry.BatchSize)
	v.SetDefault("reconcile.retry.pollSeconds", defaults.Retry.PollSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ReconcileConfig
	if err := v.UnmarshalKey("reconcile", &cfg); err != nil {
		return nil, err
	}
	if err := validateReconcileConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReconcileConfig
		if err := v.UnmarshalKey("reconcile", &updated); err != nil {
			log.Printf("[reconcile-config] reload failed: %v", err)
			return
		}
		if err := validateReconcileConfig(updated); err != nil {
			log.Printf("[reconcile-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[reconcile-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticReconcileConfigHolder wraps a fixed policy with no file watching.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) *ReconcileConfigHolder {
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	return h.current.Load().(ReconcileConfig)
}

func validateReconcileConfig(cfg ReconcileConfig) error {
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("reconcile.retry.maxAttempts must be positive")
	}
	if cfg.Retry.BackoffSeconds <= 0 {
		return errors.New("reconcile.retry.backoffSeconds must be positive")
	}
	if cfg.Retry.BatchSize <= 0 {
		return errors.New("reconcile.retry.batchSize must be positive")
	}
	if cfg.Retry.PollSeconds <= 0 {
		return errors.New("reconcile.retry.pollSeconds must be positive")
	}
	return nil
}

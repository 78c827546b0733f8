package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierLimits defines the quota ceilings for a subscription tier.
// A limit of -1 means unlimited.
type TierLimits struct {
	DailyGenerations  int  `mapstructure:"dailyGenerations"`
	DailyPostsPerSite int  `mapstructure:"dailyPostsPerPlatform"`
	MaxScheduledQueue int  `mapstructure:"maxScheduledQueue"`
	AdvanceDays       int  `mapstructure:"advanceDays"`
	MaxAutomationRule int  `mapstructure:"maxAutomationRules"`
	Automation        bool `mapstructure:"automation"`
}

// QuotaConfig maps tier name to its limits.
type QuotaConfig struct {
	Tiers map[string]TierLimits `mapstructure:"tiers"`
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		Tiers: map[string]TierLimits{
			"free":     {DailyGenerations: 5, DailyPostsPerSite: 3, MaxScheduledQueue: 10, AdvanceDays: 7, MaxAutomationRule: 0, Automation: false},
			"starter":  {DailyGenerations: 25, DailyPostsPerSite: 10, MaxScheduledQueue: 50, AdvanceDays: 30, MaxAutomationRule: 3, Automation: true},
			"pro":      {DailyGenerations: 100, DailyPostsPerSite: 30, MaxScheduledQueue: 200, AdvanceDays: 90, MaxAutomationRule: 10, Automation: true},
			"business": {DailyGenerations: -1, DailyPostsPerSite: -1, MaxScheduledQueue: -1, AdvanceDays: 365, MaxAutomationRule: -1, Automation: true},
		},
	}
}

// QuotaHolder keeps the current quota config behind an atomic.Value so
// admission checks always read a consistent snapshot while hot reload swaps it.
type QuotaHolder struct {
	current atomic.Value // holds QuotaConfig
}

func NewQuotaHolder() (*QuotaHolder, error) {
	v := viper.New()

	v.SetConfigName("quota")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/publica/config")
	v.AddConfigPath("/etc/publica")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PUBLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultQuotaConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("quota", &cfg); err != nil {
			return nil, err
		}
		if err := validateQuotaConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &QuotaHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated QuotaConfig
		if err := v.UnmarshalKey("quota", &updated); err != nil {
			log.Printf("[quota-config] reload failed: %v", err)
			return
		}
		if err := validateQuotaConfig(updated); err != nil {
			log.Printf("[quota-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[quota-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticQuotaHolder wraps a fixed config, used by tests.
func NewStaticQuotaHolder(cfg QuotaConfig) *QuotaHolder {
	holder := &QuotaHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *QuotaHolder) Get() QuotaConfig {
	return h.current.Load().(QuotaConfig)
}

// Limits returns the limits for a tier, falling back to the free tier
// when the tier is unknown.
func (c QuotaConfig) Limits(tier string) TierLimits {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if limits, ok := c.Tiers[tier]; ok {
		return limits
	}
	return c.Tiers["free"]
}

func validateQuotaConfig(cfg QuotaConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("quota.tiers cannot be empty")
	}
	if _, ok := cfg.Tiers["free"]; !ok {
		return errors.New("quota.tiers must define the free tier")
	}
	return nil
}

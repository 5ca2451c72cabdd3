package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PurchaseBand maps a one-time purchase amount (currency minor units, upper
// bound inclusive) to a fixed bonus-adjusted credit count.
type PurchaseBand struct {
	UpTo    int64 `mapstructure:"upTo"`
	Credits int64 `mapstructure:"credits"`
}

// PricingConfig holds the hot-reloadable pricing tables. Everything billable
// reads these through the holder rather than ambient globals.
type PricingConfig struct {
	// EndpointCosts is the flat credit cost per billed endpoint. An endpoint
	// absent from this table must never run for free; the gate fails closed.
	EndpointCosts map[string]int64 `mapstructure:"endpointCosts"`

	// PurchaseBands is walked in ascending UpTo order; amounts above the top
	// band convert at CreditRatio exactly.
	PurchaseBands []PurchaseBand `mapstructure:"purchaseBands"`

	// CreditRatio is minor units per credit for above-band and manual grants.
	CreditRatio float64 `mapstructure:"creditRatio"`

	// LotExpiryDays is the fixed offset from lot creation to expiry.
	LotExpiryDays int `mapstructure:"lotExpiryDays"`

	// DefaultDailyCallLimit applies to users without a per-plan override.
	DefaultDailyCallLimit int64 `mapstructure:"defaultDailyCallLimit"`

	// MonthlyAllotments maps plan code to monthly credit grant for
	// non-metered subscriptions.
	MonthlyAllotments map[string]int64 `mapstructure:"monthlyAllotments"`

	// DailyCallLimits maps plan code to the per-day call ceiling mirrored
	// into the KeyValueStore when a subscription activates.
	DailyCallLimits map[string]int64 `mapstructure:"dailyCallLimits"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		EndpointCosts: map[string]int64{
			"doc.convert":       2,
			"pdf.merge":         2,
			"image.upscale":     4,
			"assistant.message": 1,
		},
		PurchaseBands: []PurchaseBand{
			{UpTo: 1000, Credits: 400},
			{UpTo: 2000, Credits: 1000},
			{UpTo: 3000, Credits: 2200},
		},
		CreditRatio:           1.0,
		LotExpiryDays:         365,
		DefaultDailyCallLimit: 200,
		MonthlyAllotments: map[string]int64{
			"starter": 500,
			"pro":     2500,
		},
		DailyCallLimits: map[string]int64{
			"starter":    200,
			"pro":        1000,
			"metered-v1": 5000,
		},
	}
}

// PricingConfigHolder is a read-through cache over the pricing file with
// hot reload. Callers always Get() a consistent snapshot.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/doodleops/config")
	v.AddConfigPath("/etc/doodleops")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DOODLEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultPricingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("pricing", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// NewStaticPricingHolder returns a holder pinned to cfg, for tests and tools.
func NewStaticPricingHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.CreditRatio <= 0 {
		return errors.New("pricing.creditRatio must be positive")
	}
	if cfg.LotExpiryDays <= 0 {
		return errors.New("pricing.lotExpiryDays must be positive")
	}
	if cfg.DefaultDailyCallLimit <= 0 {
		return errors.New("pricing.defaultDailyCallLimit must be positive")
	}
	var prev int64
	for _, band := range cfg.PurchaseBands {
		if band.UpTo <= prev {
			return errors.New("pricing.purchaseBands must be ascending")
		}
		if band.Credits <= 0 {
			return errors.New("pricing.purchaseBands credits must be positive")
		}
		prev = band.UpTo
	}
	return nil
}

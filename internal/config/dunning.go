package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningStepConfig is one rung of the escalation ladder. Steps are keyed by
// days past due; the engine executes the most advanced step an invoice
// qualifies for.
type DunningStepConfig struct {
	DaysPastDue      int      `mapstructure:"daysPastDue" json:"days_past_due"`
	Actions          []string `mapstructure:"actions" json:"actions"`
	SuspendOnFailure bool     `mapstructure:"suspendOnFailure" json:"suspend_on_failure"`
	Template         string   `mapstructure:"template" json:"template"`
}

type DunningDefaults struct {
	Ladder []DunningStepConfig `mapstructure:"ladder"`
}

const (
	DunningActionRetryPayment = "retry_payment"
	DunningActionNotify       = "notify"
)

// DefaultDunningLadder is used when no dunning.yml is present and the
// organization has no ladder of its own.
func DefaultDunningLadder() []DunningStepConfig {
	return []DunningStepConfig{
		{DaysPastDue: 1, Actions: []string{DunningActionRetryPayment, DunningActionNotify}, Template: "payment_reminder"},
		{DaysPastDue: 3, Actions: []string{DunningActionRetryPayment, DunningActionNotify}, Template: "payment_overdue"},
		{DaysPastDue: 7, Actions: []string{DunningActionNotify}, SuspendOnFailure: true, Template: "service_suspension_warning"},
		{DaysPastDue: 14, Actions: []string{DunningActionNotify}, SuspendOnFailure: true, Template: "final_notice"},
	}
}

// DunningDefaultsHolder serves the system-default ladder with hot reload from
// a mounted dunning.yml.
type DunningDefaultsHolder struct {
	current atomic.Value // holds DunningDefaults
}

func NewDunningDefaultsHolder() (*DunningDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/billing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("dunning.ladder", DefaultDunningLadder())
	}

	var cfg DunningDefaults
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultDunningLadder()
	}
	if err := ValidateDunningLadder(cfg.Ladder); err != nil {
		return nil, err
	}

	holder := &DunningDefaultsHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningDefaults
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := ValidateDunningLadder(updated.Ladder); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DunningDefaultsHolder) Get() DunningDefaults {
	return h.current.Load().(DunningDefaults)
}

// ValidateDunningLadder rejects malformed ladders at load time so step
// execution never sees an invalid config.
func ValidateDunningLadder(ladder []DunningStepConfig) error {
	if len(ladder) == 0 {
		return errors.New("dunning.ladder cannot be empty")
	}
	if !sort.SliceIsSorted(ladder, func(i, j int) bool {
		return ladder[i].DaysPastDue < ladder[j].DaysPastDue
	}) {
		return errors.New("dunning.ladder must be ordered by ascending daysPastDue")
	}
	seen := make(map[int]bool, len(ladder))
	for _, step := range ladder {
		if step.DaysPastDue < 1 {
			return fmt.Errorf("dunning step daysPastDue must be >= 1, got %d", step.DaysPastDue)
		}
		if seen[step.DaysPastDue] {
			return fmt.Errorf("duplicate dunning step for day %d", step.DaysPastDue)
		}
		seen[step.DaysPastDue] = true
		if len(step.Actions) == 0 && !step.SuspendOnFailure {
			return fmt.Errorf("dunning step for day %d has no actions", step.DaysPastDue)
		}
		for _, action := range step.Actions {
			switch action {
			case DunningActionRetryPayment, DunningActionNotify:
			default:
				return fmt.Errorf("unknown dunning action %q", action)
			}
		}
	}
	return nil
}

package extension

import (
	"testing"
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/scheduler"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{})

	if cfg.Scheduler.RenewalSchedule != scheduler.DefaultRenewalSchedule {
		t.Errorf("renewal schedule: got %q", cfg.Scheduler.RenewalSchedule)
	}
	if cfg.Scheduler.SweepSchedule != scheduler.DefaultSweepSchedule {
		t.Errorf("sweep schedule: got %q", cfg.Scheduler.SweepSchedule)
	}
	if cfg.Scheduler.RunTimeout != 30*time.Minute {
		t.Errorf("run timeout: got %v", cfg.Scheduler.RunTimeout)
	}
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{
		Engine:    billing.Config{BrokerSlug: "platform"},
		Scheduler: scheduler.Config{RenewalSchedule: "0 3 * * *"},
	}
	programmatic := Config{
		DisableScheduler: true,
		Engine: billing.Config{
			BrokerSlug:         "ignored",
			ProcessorSlug:      "stripe",
			NoticeDays:         []int{7, 1},
			DiscountAllPeriods: true,
		},
		Scheduler: scheduler.Config{RenewalSchedule: "ignored", SweepSchedule: "*/5 * * * *"},
	}

	got := mergeConfigurations(yaml, programmatic)

	tests := []struct {
		name string
		ok   bool
	}{
		{"yaml broker wins", got.Engine.BrokerSlug == "platform"},
		{"programmatic fills processor", got.Engine.ProcessorSlug == "stripe"},
		{"programmatic fills notice days", len(got.Engine.NoticeDays) == 2},
		{"discount flag carried", got.Engine.DiscountAllPeriods},
		{"scheduler disabled", got.DisableScheduler},
		{"yaml schedule wins", got.Scheduler.RenewalSchedule == "0 3 * * *"},
		{"programmatic sweep fills", got.Scheduler.SweepSchedule == "*/5 * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.ok {
				t.Errorf("merged config: %+v", got)
			}
		})
	}
}

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/alertbilling/internal/config"
)

// Config controls job cadence and timeouts.
type Config struct {
	RunInterval time.Duration
	// DailyAt is the offset from midnight UTC at which the daily jobs fire.
	DailyAt         time.Duration
	RetryPasses     int
	MonthlyDebitDay int
	TickTimeout     time.Duration
	JobTimeout      time.Duration
	SlotLeaseTTL    time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		DailyAt:         2 * time.Hour,
		RetryPasses:     4,
		MonthlyDebitDay: 25,
		TickTimeout:     5 * time.Minute,
		JobTimeout:      time.Hour,
		SlotLeaseTTL:    25 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.DailyAt < 0 || c.DailyAt >= 24*time.Hour {
		c.DailyAt = defaults.DailyAt
	}
	if c.RetryPasses < 0 {
		c.RetryPasses = defaults.RetryPasses
	}
	if c.MonthlyDebitDay < 1 || c.MonthlyDebitDay > 28 {
		c.MonthlyDebitDay = defaults.MonthlyDebitDay
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaults.TickTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.SlotLeaseTTL <= 0 {
		c.SlotLeaseTTL = defaults.SlotLeaseTTL
	}
	return c
}

// ProvideConfig derives the scheduler config from the application config.
// An unparsable daily time falls back to the default.
func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	jobs := cfg.Jobs
	out.RunInterval = jobs.RunInterval
	if at, err := ParseTimeOfDay(jobs.DailyProcessingTime); err == nil {
		out.DailyAt = at
	}
	out.RetryPasses = jobs.DailyRetryAttempts
	out.MonthlyDebitDay = jobs.MonthlyDebitDay
	out.EnabledJobs = jobs.EnabledJobs
	return out.withDefaults()
}

// ParseTimeOfDay parses "HH:MM" into an offset from midnight.
func ParseTimeOfDay(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

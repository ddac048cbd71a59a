package models

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StoreKind identifies the backup strategy used for a target.
type StoreKind string

const (
	StoreRelational StoreKind = "relational"
	StoreCache      StoreKind = "cache"
	StoreTimeSeries StoreKind = "time-series"
	StoreEventBus   StoreKind = "event-bus"
)

// ConnParams holds the connection details for one protected store. Which
// fields are meaningful depends on the store kind; Container, when set,
// makes the driver run the store's dump tool inside that container.
type ConnParams struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	User      string `yaml:"user" json:"user,omitempty"`
	Password  string `yaml:"password" json:"-"`
	Database  string `yaml:"database" json:"database,omitempty"`
	URL       string `yaml:"url" json:"url,omitempty"` // event-bus connection URL
	Container string `yaml:"container" json:"container,omitempty"`
}

// Target is one protected data store with its own schedule and retention
// policy. Targets are loaded once from configuration and never mutated.
type Target struct {
	ID        string        `yaml:"id" json:"id"`
	Kind      StoreKind     `yaml:"kind" json:"kind"`
	Conn      ConnParams    `yaml:"connection" json:"connection"`
	Cadence   string        `yaml:"cadence" json:"cadence"` // standard cron expression
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// Validate checks a target definition. A failing target is rejected on load
// without affecting sibling targets.
func (t Target) Validate() error {
	if t.ID == "" {
		return WrapFailure(ErrConfiguration, "target without id")
	}
	switch t.Kind {
	case StoreRelational, StoreCache, StoreTimeSeries, StoreEventBus:
	default:
		return WrapFailure(ErrConfiguration, "target %s: unknown store kind %q", t.ID, t.Kind)
	}
	if _, err := cron.ParseStandard(t.Cadence); err != nil {
		return WrapFailure(ErrConfiguration, "target %s: malformed cadence %q: %v", t.ID, t.Cadence, err)
	}
	if t.Retention <= 0 {
		return WrapFailure(ErrConfiguration, "target %s: retention must be positive", t.ID)
	}
	return nil
}

// Schedule returns the parsed cadence. Validate must have passed.
func (t Target) Schedule() (cron.Schedule, error) {
	s, err := cron.ParseStandard(t.Cadence)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", t.ID, err)
	}
	return s, nil
}

package engine

import (
	"time"

	"github.com/leonletto/threadview/internal/merger"
	"github.com/leonletto/threadview/internal/overlay"
	"github.com/leonletto/threadview/internal/projection"
	"github.com/leonletto/threadview/internal/types"
)

// Default engine settings.
const (
	DefaultPageSize          = 50
	DefaultSendTimeout       = 15 * time.Second
	DefaultMaxSendAttempts   = 3
	DefaultSendRetryInterval = 2 * time.Second
	DefaultReconcileAttempts = 5
	DefaultReconcileInterval = time.Second
	DefaultTickInterval      = time.Second
)

// Config holds the per-view engine settings.
type Config struct {
	PageSize   int
	MaxPending int
	SenderRole types.SenderRole
	SenderID   string

	// SendTimeout bounds each send attempt.
	SendTimeout       time.Duration
	MaxSendAttempts   int
	SendRetryInterval time.Duration

	// ReconcileAttempts bounds the refetch after a reconnect.
	ReconcileAttempts int
	ReconcileInterval time.Duration

	TypingTTL    time.Duration
	TickInterval time.Duration

	Location *time.Location
	// Features left at the zero value enables every feature.
	Features projection.Features

	// FirstUnreadID seeds the unread marker from the read watermark.
	FirstUnreadID string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PageSize:          DefaultPageSize,
		MaxPending:        overlay.DefaultMaxPending,
		SenderRole:        types.RoleAgent,
		SendTimeout:       DefaultSendTimeout,
		MaxSendAttempts:   DefaultMaxSendAttempts,
		SendRetryInterval: DefaultSendRetryInterval,
		ReconcileAttempts: DefaultReconcileAttempts,
		ReconcileInterval: DefaultReconcileInterval,
		TypingTTL:         merger.DefaultTypingTTL,
		TickInterval:      DefaultTickInterval,
		Location:          time.Local,
		Features:          projection.AllFeatures(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.SenderRole == "" {
		c.SenderRole = d.SenderRole
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = d.MaxSendAttempts
	}
	if c.SendRetryInterval <= 0 {
		c.SendRetryInterval = d.SendRetryInterval
	}
	if c.ReconcileAttempts <= 0 {
		c.ReconcileAttempts = d.ReconcileAttempts
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = d.TypingTTL
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Features == (projection.Features{}) {
		c.Features = d.Features
	}
	return c
}

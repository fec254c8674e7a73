package pipeline

import "time"

// EvidenceMode controls when evidence images are captured
type EvidenceMode string

const (
	EvidenceOff    EvidenceMode = "off"
	EvidenceAlert  EvidenceMode = "alert"  // only when a notification is authorized
	EvidenceAlways EvidenceMode = "always" // every unknown observation
)

// Config holds the stream pipeline settings
type Config struct {
	Stride          int           `mapstructure:"stride"`           // run detection on every Nth frame
	PersonClass     string        `mapstructure:"person_class"`     // detector class kept for tracking
	ConfidenceFloor float32       `mapstructure:"confidence_floor"` // detections at or below are dropped
	HeadFraction    float64       `mapstructure:"head_fraction"`    // top share of the box used as head region
	MinRegionSide   int           `mapstructure:"min_region_side"`  // upscale head crops below this many pixels
	FrameTimeout    time.Duration `mapstructure:"frame_timeout"`    // deadline for one processed frame
	Evidence        EvidenceMode  `mapstructure:"evidence"`
	MaxPending      int           `mapstructure:"max_pending"` // per camera retry queue for failed appends
	AlertQueue      int           `mapstructure:"alert_queue"` // notifications waiting for delivery
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"` // housekeeping period
	CooldownMaxAge  time.Duration `mapstructure:"cooldown_max_age"` // cooldown entries older than this are swept

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// DefaultConfig returns sensible defaults for the pipeline
func DefaultConfig() Config {
	return Config{
		Stride:          3,
		PersonClass:     "person",
		ConfidenceFloor: 0.35,
		HeadFraction:    DefaultHeadFraction,
		MinRegionSide:   0,
		FrameTimeout:    5 * time.Second,
		Evidence:        EvidenceAlert,
		MaxPending:      DefaultMaxPending,
		AlertQueue:      64,
		NotifyTimeout:   15 * time.Second,
		SummaryInterval: 30 * time.Second,
		CooldownMaxAge:  10 * time.Minute,
		Reconnect:       DefaultReconnectConfig(),
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Stride <= 0 {
		c.Stride = d.Stride
	}
	if c.PersonClass == "" {
		c.PersonClass = d.PersonClass
	}
	if c.ConfidenceFloor < 0 {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	if c.HeadFraction <= 0 || c.HeadFraction > 1 {
		c.HeadFraction = d.HeadFraction
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.Evidence == "" {
		c.Evidence = d.Evidence
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.AlertQueue <= 0 {
		c.AlertQueue = d.AlertQueue
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = d.SummaryInterval
	}
	if c.CooldownMaxAge <= 0 {
		c.CooldownMaxAge = d.CooldownMaxAge
	}
	if c.Reconnect.RetryDelay <= 0 {
		c.Reconnect.RetryDelay = d.Reconnect.RetryDelay
	}
	if c.Reconnect.MaxRetryDelay < c.Reconnect.RetryDelay {
		c.Reconnect.MaxRetryDelay = max(d.Reconnect.MaxRetryDelay, c.Reconnect.RetryDelay)
	}
	if c.Reconnect.DegradedAfter <= 0 {
		c.Reconnect.DegradedAfter = d.Reconnect.DegradedAfter
	}
	return c
}

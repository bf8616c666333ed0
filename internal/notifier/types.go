package notifier

import "time"

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Digest is one rendered report ready for delivery.
type Digest struct {
	RunID    string    `json:"run_id"`
	TargetID string    `json:"target_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Path     string    `json:"path,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// DedupKey identifies the digest for suppression: one delivery per target and period end date.
func (d Digest) DedupKey() string {
	if d.TargetID == "" {
		return ""
	}
	return "digest:" + d.TargetID + ":" + d.To.Format("2006-01-02")
}

type HistoryItem struct {
	At       time.Time
	RunID    string
	TargetID string
	Senders  []string
	Error    string
}

// DeliveryEvent is emitted on the event bus for notifier lifecycle events.
type DeliveryEvent struct {
	RunID    string    `json:"run_id"`
	TargetID string    `json:"target_id"`
	Key      string    `json:"key"`
	Sender   string    `json:"sender,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

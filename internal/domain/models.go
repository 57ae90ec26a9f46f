package domain

import "time"

// CheckDefinition is one monitored resource as assigned to a worker. Workers
// treat it as read-only and replace the whole set on every resync.
type CheckDefinition struct {
	MonitorID       string         `json:"id"`
	VersionID       string         `json:"unique_id"`
	ProbeKind       string         `json:"check"`
	ProbeArgs       map[string]any `json:"arguments"`
	IntervalSeconds int            `json:"frequency"`
	Worker          string         `json:"worker"`
}

func (d CheckDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

// CheckOutcome is the result of one probe execution. The JSON names are the
// wire format shared by workers and the master.
type CheckOutcome struct {
	Available      bool    `json:"availability"`
	RuntimeSeconds float64 `json:"runtime"`
	Message        string  `json:"message"`
	ObservedAt     int64   `json:"timestamp"` // unix seconds
}

func (o CheckOutcome) ObservedTime() time.Time {
	return time.Unix(o.ObservedAt, 0).UTC()
}

type ContactRef struct {
	ChannelKind string `json:"notifier" yaml:"notifier"`
	Destination string `json:"destination" yaml:"destination"`
}

// MonitorState is the master's last known truth for a monitor.
// LastAvailable is nil until the first outcome is reconciled.
type MonitorState struct {
	ID            string       `json:"id"`
	VersionID     string       `json:"unique_id"`
	Name          string       `json:"name"`
	LastAvailable *bool        `json:"last_availability"`
	LastMessage   string       `json:"last_message"`
	LastUpdatedAt time.Time    `json:"last_updated"`
	Contacts      []ContactRef `json:"contacts"`
}

// Monitor is the stored record on the master: what to run and what was last seen.
type Monitor struct {
	Definition CheckDefinition
	State      MonitorState
}

// Transitioned reports whether out flips a previously observed availability.
// The first observation is never a transition.
func (s MonitorState) Transitioned(out CheckOutcome) bool {
	return s.LastAvailable != nil && *s.LastAvailable != out.Available
}

// Apply records out as the latest observation.
func (s *MonitorState) Apply(out CheckOutcome) {
	avail := out.Available
	s.LastAvailable = &avail
	s.LastMessage = out.Message
	s.LastUpdatedAt = out.ObservedTime()
}

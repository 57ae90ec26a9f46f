package domain

import "errors"

var (
	// ErrProbe marks a transient probe failure; the runner retries it.
	ErrProbe = errors.New("probe failed")
	// ErrConfiguration marks an unknown probe or channel kind, or invalid settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport marks a failed fetch or report call between worker and master.
	ErrTransport = errors.New("transport error")
	// ErrUnknownMonitor marks a report for a monitor the master does not know.
	ErrUnknownMonitor = errors.New("unknown monitor")
	// ErrChannelDelivery marks a single notification channel failing for one contact.
	ErrChannelDelivery = errors.New("channel delivery failed")
)

package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hamed0406/gefion/internal/domain"
)

// TimeLayout is how observed times appear in every rendered message.
const TimeLayout = "2006-01-02T15:04:05Z"

const (
	DefaultUpTemplate   = "{host} is UP at {time}."
	DefaultDownTemplate = "{host} is DOWN at {time}. Msg: {message}"
)

// Notification describes one availability transition of a monitored host.
type Notification struct {
	Host       string
	Available  bool
	ObservedAt time.Time
	Message    string
}

func NewNotification(host string, out domain.CheckOutcome) Notification {
	return Notification{
		Host:       host,
		Available:  out.Available,
		ObservedAt: out.ObservedTime(),
		Message:    out.Message,
	}
}

// State is "UP" or "DOWN".
func (n Notification) State() string {
	if n.Available {
		return "UP"
	}
	return "DOWN"
}

func (n Notification) TimeString() string {
	return n.ObservedAt.UTC().Format(TimeLayout)
}

// Text renders the notification with the default templates.
func (n Notification) Text() string {
	return n.Render(DefaultUpTemplate, DefaultDownTemplate)
}

// Render fills {host}, {time} and {message} in the template matching the
// notification's state.
func (n Notification) Render(up, down string) string {
	tmpl := down
	if n.Available {
		tmpl = up
	}
	return strings.NewReplacer(
		"{host}", n.Host,
		"{time}", n.TimeString(),
		"{message}", n.Message,
	).Replace(tmpl)
}

// Channel delivers a notification to one destination (chat id, email
// address, component id...). Credentials are fixed at construction.
type Channel interface {
	Send(ctx context.Context, n Notification, destination string) error
}

// Registry maps contact channel kinds to channels. It is filled at startup
// and read-only afterwards.
type Registry struct {
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

func (r *Registry) Register(kind string, c Channel) {
	if c == nil {
		return
	}
	r.channels[kind] = c
}

func (r *Registry) Lookup(kind string) (Channel, error) {
	c, ok := r.channels[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown notifier %q", domain.ErrConfiguration, kind)
	}
	return c, nil
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

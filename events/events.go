// Package events is the small publish mechanism shared by the
// outgoing and incoming pipelines: a cooperative fan-out with per-listener
// error swallowing. Listeners for a given event are
// invoked sequentially in registration order, each awaited before the next.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener receives one event payload. A listener's error is logged, never
// propagated to the emitter or to other listeners.
type Listener func(payload any) error

// Dispatcher is a named-event fan-out. The zero value is not usable; build
// one with New.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[string][]Listener
	logger    *logrus.Logger
}

// New builds a Dispatcher that logs listener errors to logger.
func New(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string][]Listener),
		logger:    logger,
	}
}

// On registers a listener for event, appended after any existing listeners.
func (d *Dispatcher) On(event string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[event] = append(d.listeners[event], l)
}

// Emit invokes every listener registered for event, in registration order,
// each awaited before the next. A listener's error is logged and does not
// stop the fan-out.
func (d *Dispatcher) Emit(event string, payload any) {
	d.mu.Lock()
	ls := make([]Listener, len(d.listeners[event]))
	copy(ls, d.listeners[event])
	d.mu.Unlock()

	for _, l := range ls {
		if err := l(payload); err != nil {
			d.logger.WithError(err).WithField("event", event).Error("events: listener failed")
		}
	}
}

// Known event names.
const (
	Message   = "message"
	Sent      = "sent"
	Receipt   = "receipt"
	Error     = "error"
	KeyChange = "keychange"
	Read      = "read"
)

package runloop

import (
	"log/slog"
	"sync"
	"time"
)

// Handler observes loop events. Implementations must not assume they are the
// only observer.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Bus fans events out to every registered handler in registration order. A
// panicking handler is recovered and logged; it never prevents delivery to
// subsequent handlers or propagates to the dispatching loop.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register appends a handler. Handlers receive events in the order they
// were registered.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch stamps the event and delivers it to every handler.
func (b *Bus) Dispatch(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h.HandleEvent(e)
}

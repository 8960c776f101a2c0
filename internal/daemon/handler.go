package daemon

import "tiller/internal/logger"

// EventHandler processes one event type inside the loop goroutine.
type EventHandler interface {
	// Type returns the event type this handler processes.
	Type() EventType

	// Handle processes the event. traceID is the envelope id, used for
	// correlating log lines.
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext gives handlers access to daemon internals without
// exposing the whole struct.
type HandlerContext struct {
	d *Daemon
}

func NewHandlerContext(d *Daemon) *HandlerContext {
	return &HandlerContext{d: d}
}

// Daemon returns the underlying daemon. Handlers run on the loop
// goroutine, so direct state access is safe.
func (c *HandlerContext) Daemon() *Daemon { return c.d }

// HandlerRegistry maps event types to their handlers.
type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[EventType]EventHandler)}
}

// Register adds a handler, replacing any existing one for the type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given event type.
func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// RegisterDefaultHandlers registers all built-in event handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&SignalEntryHandler{})
	r.Register(&SignalExitHandler{})
	r.Register(&OrderResultHandler{})
	r.Register(&PriceTickHandler{})
	r.Register(&FeedDisconnectHandler{})
	r.Register(&HeartbeatHandler{})
	r.Register(&ReconcileRequestHandler{})
	r.Register(&ReconcileResultHandler{})
	r.Register(&SchedulerTickHandler{})
	r.Register(&SnapshotHandler{})
	r.Register(&DailyResetHandler{})
	r.Register(&KillSwitchHandler{})
	logger.Debugf("daemon: registered %d event handlers", len(r.handlers))
}

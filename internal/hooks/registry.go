package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry maps an EventName to an ordered, prioritized handler chain.
// Fire runs the chain synchronously against a caller-seeded Accumulator
// and returns the value produced by the last handler.
//
// Handlers registered during a Fire call do not affect that call: Fire
// takes a snapshot of the chain under the read lock before it starts
// running handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventName][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventName][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a Registration at Register time.
type RegisterOption func(*Registration)

// WithPriority overrides the default PriorityNormal.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName attaches a human-readable name for logging.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// Register adds handler to event's chain and returns a registration id
// usable with Unregister. Handlers are kept sorted by ascending priority;
// equal-priority handlers preserve registration order.
func (r *Registry) Register(event EventName, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.New().String(),
		Event:    event,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[event] = append(r.handlers[event], reg)
	r.byID[reg.ID] = reg
	sort.SliceStable(r.handlers[event], func(i, j int) bool {
		return r.handlers[event][i].Priority < r.handlers[event][j].Priority
	})

	r.logger.Debug("registered hook", "id", reg.ID, "event", event, "name", reg.Name, "priority", reg.Priority)
	return reg.ID
}

// Unregister removes a handler by registration id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	chain := r.handlers[reg.Event]
	for i, h := range chain {
		if h.ID == id {
			r.handlers[reg.Event] = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	return true
}

// Fire runs event's handler chain in ascending priority order, threading
// seed through each handler in turn. If a handler returns a
// *HookBlockError, Fire stops immediately and returns that error along
// with the accumulator value at the point of the block (so callers can
// still inspect what was accumulated before the block). Any other error
// also stops the chain and is returned unchanged.
func (r *Registry) Fire(ctx context.Context, event EventName, seed Accumulator) (Accumulator, error) {
	r.mu.RLock()
	chain := make([]*Registration, len(r.handlers[event]))
	copy(chain, r.handlers[event])
	r.mu.RUnlock()

	acc := seed
	for _, reg := range chain {
		next, err := r.callHandler(ctx, reg, acc)
		if err != nil {
			if blockErr, ok := err.(*HookBlockError); ok {
				r.logger.Debug("hook chain blocked", "event", event, "handler", reg.Name, "reason", blockErr.Reason)
				return next, blockErr
			}
			r.logger.Warn("hook handler error", "event", event, "handler", reg.Name, "error", err)
			return next, err
		}
		acc = next
	}
	return acc, nil
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, acc Accumulator) (result Accumulator, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook %q panic: %v", reg.Name, p)
			result = acc
		}
	}()
	return reg.Handler(ctx, acc)
}

// HandlerCount returns the number of handlers currently registered for event.
func (r *Registry) HandlerCount(event EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Registrations returns a snapshot of the handlers registered for event,
// in fire order.
func (r *Registry) Registrations(event EventName) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, len(r.handlers[event]))
	copy(out, r.handlers[event])
	return out
}

// Clear removes every registered handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[EventName][]*Registration)
	r.byID = make(map[string]*Registration)
}

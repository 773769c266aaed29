package control

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// HandlerFunc executes one op. The returned value becomes the reply result
// and must be JSON-encodable.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Router dispatches requests to the handler registered for their op.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register registers handler for op, replacing any previous handler.
func (r *Router) Register(op string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = handler
}

// Ops returns the registered op names, sorted.
func (r *Router) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Dispatch runs the handler for req.Op.
func (r *Router) Dispatch(ctx context.Context, req Request) Reply {
	r.mu.RLock()
	h, ok := r.handlers[req.Op]
	r.mu.RUnlock()
	if !ok {
		return replyTo(req, nil, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op))
	}
	res, err := h(ctx, req)
	return replyTo(req, res, err)
}

// ABOUTME: Inbound event handler contract and the isolated dispatch loop
// ABOUTME: Handlers run in registration order; an error or panic in one never reaches the next

package registry

import (
	"context"
	"fmt"
)

// Handler consumes inbound events.
type Handler interface {
	HandleInbound(ctx context.Context, evt InboundEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt InboundEvent) error

func (f HandlerFunc) HandleInbound(ctx context.Context, evt InboundEvent) error {
	return f(ctx, evt)
}

type namedHandler struct {
	name    string
	handler Handler
}

// RegisterHandler appends h to the handler list. name is used in logs.
func (r *Registry) RegisterHandler(name string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, namedHandler{name: name, handler: h})
}

// dispatch runs every handler for evt, waiting for each before the next.
func (r *Registry) dispatch(ctx context.Context, evt InboundEvent) {
	r.handlersMu.RLock()
	handlers := make([]namedHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := callHandler(ctx, h.handler, evt); err != nil {
			r.metrics.HandlerFailed(h.name)
			r.logger.Error("inbound handler failed",
				"handler", h.name,
				"account_id", evt.AccountID,
				"chat_id", evt.ChatID,
				"message_id", evt.MessageID,
				"error", err,
			)
		}
	}
}

func callHandler(ctx context.Context, h Handler, evt InboundEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.HandleInbound(ctx, evt)
}

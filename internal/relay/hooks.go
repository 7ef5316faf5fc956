// ABOUTME: Automation hooks run after an inbound message is stored and broadcast
// ABOUTME: Hooks run in registration order and a failing hook never stops the next one

package relay

import (
	"context"
	"fmt"

	"github.com/2389/relay-gateway/internal/registry"
)

// Hook reacts to new inbound messages.
type Hook interface {
	OnInbound(ctx context.Context, evt registry.InboundEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, evt registry.InboundEvent) error

func (f HookFunc) OnInbound(ctx context.Context, evt registry.InboundEvent) error {
	return f(ctx, evt)
}

type namedHook struct {
	name string
	hook Hook
}

// AddHook appends a hook. name is used in logs and metrics.
func (s *Service) AddHook(name string, h Hook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, hook: h})
}

func (s *Service) runHooks(ctx context.Context, evt registry.InboundEvent) {
	s.hooksMu.RLock()
	hooks := make([]namedHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.RUnlock()

	for _, h := range hooks {
		if err := callHook(ctx, h.hook, evt); err != nil {
			s.metrics.HandlerFailed("hook:" + h.name)
			s.logger.Error("automation hook failed",
				"hook", h.name,
				"account_id", evt.AccountID,
				"chat_id", evt.ChatID,
				"message_id", evt.MessageID,
				"error", err,
			)
		}
	}
}

func callHook(ctx context.Context, h Hook, evt registry.InboundEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.OnInbound(ctx, evt)
}

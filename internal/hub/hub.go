// ABOUTME: Broadcast hub that fans JSON events out to every connected dashboard viewer
// ABOUTME: Viewers whose send fails are pruned after the pass so one bad socket never stalls the rest

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/metrics"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is one live viewer connection. Identity is the value itself, so
// implementations must be comparable (pointer types).
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Event is the envelope every viewer receives.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub holds the set of live viewers.
type Hub struct {
	mu    sync.RWMutex
	conns map[Conn]struct{}

	writeTimeout   time.Duration
	originPatterns []string
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Options configures a Hub. Zero values pick defaults.
type Options struct {
	WriteTimeout time.Duration
	// OriginPatterns are host patterns allowed to open the viewer websocket.
	OriginPatterns []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// New creates an empty hub.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Hub{
		conns:          make(map[Conn]struct{}),
		writeTimeout:   timeout,
		originPatterns: opts.OriginPatterns,
		logger:         logger.With("component", "hub"),
		metrics:        opts.Metrics,
	}
}

// Connect adds a viewer.
func (h *Hub) Connect(c Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetViewers(n)
	h.logger.Info("viewer connected", "viewers", n)
}

// Disconnect removes a viewer and closes it. Unknown viewers are ignored.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = c.Close()
	h.metrics.SetViewers(n)
	h.logger.Info("viewer disconnected", "viewers", n)
}

// Count returns the number of live viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends evt to every viewer and returns how many received it.
// Viewers that fail are removed once every viewer has been tried.
func (h *Hub) Broadcast(ctx context.Context, evt Event) int {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", evt.Type, "error", err)
		return 0
	}

	// Snapshot under the read lock; writes happen outside it.
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var failed []Conn
	for _, c := range targets {
		if err := h.write(ctx, c, data); err != nil {
			h.logger.Debug("viewer send failed", "type", evt.Type, "error", err)
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		h.Disconnect(c)
	}
	if len(failed) > 0 {
		h.metrics.ViewersPruned(len(failed))
		h.logger.Warn("pruned unreachable viewers", "count", len(failed), "type", evt.Type)
	}

	h.metrics.EventBroadcast(evt.Type)
	return len(targets) - len(failed)
}

// SendTo delivers evt to a single viewer, removing it if the send fails.
func (h *Hub) SendTo(ctx context.Context, c Conn, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := h.write(ctx, c, data); err != nil {
		h.Disconnect(c)
		return err
	}
	return nil
}

func (h *Hub) write(ctx context.Context, c Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return c.Write(ctx, data)
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[Conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
	h.metrics.SetViewers(0)
	h.logger.Debug("hub closed", "viewers", len(conns))
}

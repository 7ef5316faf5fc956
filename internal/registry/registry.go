// ABOUTME: Client registry holding one live connection per external account
// ABOUTME: Fans inbound events to handlers and sends outbound text with peer refresh and a hard timeout

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/relay-gateway/internal/metrics"
)

var (
	// ErrClientNotFound indicates no live connection exists for the account.
	ErrClientNotFound = errors.New("client not found")

	// ErrPeerUnresolved indicates the chat could not be addressed even after refreshing peers.
	ErrPeerUnresolved = errors.New("peer unresolved")

	// ErrSendTimeout indicates resolution and send did not finish within the send timeout.
	ErrSendTimeout = errors.New("send timed out")

	// ErrStopped indicates the registry no longer accepts connections.
	ErrStopped = errors.New("registry stopped")

	// ErrConnectSuperseded indicates the account was removed while it was connecting.
	ErrConnectSuperseded = errors.New("account removed while connecting")
)

const (
	defaultSendTimeout    = 15 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Handle is the registry's record of one connected account.
type Handle struct {
	AccountID   string
	ConnectedAt time.Time
	conn        Connection
}

// Options configures a Registry.
type Options struct {
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
	// ResolveRetries is how many times a failed peer resolution is retried
	// after refreshing the connection's peers.
	ResolveRetries int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Registry maps account ids to live connections.
type Registry struct {
	connector Connector

	mu      sync.RWMutex
	clients map[string]*Handle
	// removals counts RemoveClient calls per account so a connect that
	// started before a removal does not resurrect the account.
	removals map[string]uint64
	connect  singleflight.Group

	handlersMu sync.RWMutex
	handlers   []namedHandler

	// stopped drops inbound events and refuses new connections once
	// shutdown begins. It is set under intakeMu so no delivery can join
	// inflight after StopAccepting returns.
	stopped  atomic.Bool
	intakeMu sync.RWMutex
	inflight sync.WaitGroup

	sendTimeout    time.Duration
	connectTimeout time.Duration
	resolveRetries int
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// New creates an empty registry that dials accounts through connector.
func New(connector Connector, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		connector:      connector,
		clients:        make(map[string]*Handle),
		removals:       make(map[string]uint64),
		sendTimeout:    opts.SendTimeout,
		connectTimeout: opts.ConnectTimeout,
		resolveRetries: opts.ResolveRetries,
		logger:         logger.With("component", "registry"),
		metrics:        opts.Metrics,
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = defaultSendTimeout
	}
	if r.connectTimeout <= 0 {
		r.connectTimeout = defaultConnectTimeout
	}
	if r.resolveRetries < 0 {
		r.resolveRetries = 0
	}
	return r
}

func (r *Registry) get(accountID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.clients[accountID]
	return h, ok
}

// AddClient connects the account unless it is already connected, in which
// case the existing handle is returned. Concurrent calls for the same account
// share one connection attempt. A connection that completes after the account
// was removed, or after shutdown began, is closed instead of registered.
func (r *Registry) AddClient(ctx context.Context, creds Credentials) (*Handle, error) {
	if creds.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if r.stopped.Load() {
		return nil, ErrStopped
	}
	if h, ok := r.get(creds.AccountID); ok {
		return h, nil
	}

	v, err, _ := r.connect.Do(creds.AccountID, func() (any, error) {
		r.mu.RLock()
		h, ok := r.clients[creds.AccountID]
		epoch := r.removals[creds.AccountID]
		r.mu.RUnlock()
		if ok {
			return h, nil
		}

		connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()

		conn, err := r.connector.Connect(connectCtx, creds, r.deliverFor(creds.AccountID))
		if err != nil {
			return nil, fmt.Errorf("connecting account %s: %w", creds.AccountID, err)
		}

		h = &Handle{AccountID: creds.AccountID, ConnectedAt: time.Now(), conn: conn}
		r.mu.Lock()
		var rejected error
		switch {
		case r.stopped.Load():
			rejected = ErrStopped
		case r.removals[creds.AccountID] != epoch:
			rejected = ErrConnectSuperseded
		default:
			r.clients[creds.AccountID] = h
		}
		total := len(r.clients)
		r.mu.Unlock()

		if rejected != nil {
			if cerr := conn.Close(); cerr != nil {
				r.logger.Warn("closing discarded connection", "account_id", creds.AccountID, "error", cerr)
			}
			r.logger.Info("discarding late connection", "account_id", creds.AccountID, "reason", rejected)
			return nil, fmt.Errorf("connecting account %s: %w", creds.AccountID, rejected)
		}

		r.logger.Info("=== ACCOUNT CONNECTED ===",
			"account_id", creds.AccountID,
			"user_id", creds.UserID,
			"total_accounts", total,
		)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := v.(*Handle)
	return h, nil
}

// RemoveClient disconnects and forgets the account. Unknown accounts are a
// no-op, though a connect already in flight for the account is abandoned.
func (r *Registry) RemoveClient(ctx context.Context, accountID string) error {
	r.mu.Lock()
	r.removals[accountID]++
	h, ok := r.clients[accountID]
	delete(r.clients, accountID)
	total := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	err := h.conn.Close()
	r.logger.Info("=== ACCOUNT DISCONNECTED ===",
		"account_id", accountID,
		"total_accounts", total,
	)
	if err != nil {
		return fmt.Errorf("closing account %s: %w", accountID, err)
	}
	return nil
}

// IsConnected reports whether the account has a live connection.
func (r *Registry) IsConnected(accountID string) bool {
	_, ok := r.get(accountID)
	return ok
}

// Accounts returns the connected account ids, sorted.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Count returns the number of connected accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SendMessage sends text to chatID through the account's connection and
// returns the network message id. Peer resolution is retried after a refresh,
// and the whole operation is bounded by the send timeout.
func (r *Registry) SendMessage(ctx context.Context, accountID, chatID, text string) (string, error) {
	h, ok := r.get(accountID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrClientNotFound, accountID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := r.send(ctx, h, chatID, text)
		done <- result{id, err}
	}()

	// A transport that ignores ctx still cannot hold the caller past the timeout.
	select {
	case res := <-done:
		return res.id, res.err
	case <-ctx.Done():
		r.logger.Warn("send timed out", "account_id", accountID, "chat_id", chatID, "timeout", r.sendTimeout)
		return "", fmt.Errorf("%w after %s", ErrSendTimeout, r.sendTimeout)
	}
}

func (r *Registry) send(ctx context.Context, h *Handle, chatID, text string) (string, error) {
	peer, err := h.conn.ResolvePeer(ctx, chatID)
	for attempt := 0; err != nil && attempt < r.resolveRetries && ctx.Err() == nil; attempt++ {
		r.logger.Warn("peer not resolved, refreshing",
			"account_id", h.AccountID,
			"chat_id", chatID,
			"attempt", attempt+1,
			"error", err,
		)
		if rerr := h.conn.RefreshPeers(ctx); rerr != nil {
			r.logger.Warn("peer refresh failed", "account_id", h.AccountID, "error", rerr)
		}
		peer, err = h.conn.ResolvePeer(ctx, chatID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: chat %s: %v", ErrPeerUnresolved, chatID, err)
	}

	id, err := h.conn.Send(ctx, peer, text)
	if err != nil {
		return "", fmt.Errorf("sending to chat %s: %w", chatID, err)
	}
	r.logger.Debug("message sent", "account_id", h.AccountID, "chat_id", chatID, "message_id", id)
	return id, nil
}

// deliverFor builds the callback an account's connection uses to hand over events.
func (r *Registry) deliverFor(accountID string) DeliverFunc {
	return func(evt InboundEvent) {
		r.intakeMu.RLock()
		if r.stopped.Load() {
			r.intakeMu.RUnlock()
			r.logger.Debug("dropping inbound event during shutdown", "account_id", accountID, "message_id", evt.MessageID)
			return
		}
		r.inflight.Add(1)
		r.intakeMu.RUnlock()
		defer r.inflight.Done()

		if evt.AccountID == "" {
			evt.AccountID = accountID
		}
		r.dispatch(context.Background(), evt)
	}
}

// StopAccepting makes every connection's deliveries no-ops and refuses new
// connections. Deliveries already dispatching keep running; WaitIdle waits
// for them. Used as the first step of shutdown.
func (r *Registry) StopAccepting() {
	r.intakeMu.Lock()
	r.stopped.Store(true)
	r.intakeMu.Unlock()
}

// WaitIdle blocks until every delivery that started before StopAccepting has
// finished its handlers, or ctx is done. Call it after StopAccepting.
func (r *Registry) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inbound handlers: %w", ctx.Err())
	}
}

// DisconnectAll closes every connection concurrently and waits for all of
// them. Connections still being dialed are closed when they complete.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	r.stopped.Store(true)
	clients := r.clients
	r.clients = make(map[string]*Handle)
	r.mu.Unlock()

	var g errgroup.Group
	for id, h := range clients {
		g.Go(func() error {
			if err := h.conn.Close(); err != nil {
				return fmt.Errorf("closing account %s: %w", id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		r.logger.Info("all accounts disconnected", "count", len(clients))
		return err
	case <-ctx.Done():
		return fmt.Errorf("disconnecting accounts: %w", ctx.Err())
	}
}

// ABOUTME: Matrix transport for the client registry built on mautrix
// ABOUTME: Runs one sync loop per account, normalizes room messages and sends markdown-rendered replies

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/registry"
)

// ErrRoomNotJoined is returned when a chat id is not among the account's joined rooms.
var ErrRoomNotJoined = errors.New("room not joined")

// networkTimeout bounds profile lookups made while handling an inbound event.
const networkTimeout = 10 * time.Second

// Connector dials Matrix accounts.
type Connector struct {
	logger *slog.Logger
}

// NewConnector creates a Connector. Pass nil logger for default.
func NewConnector(logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{logger: logger.With("component", "matrix")}
}

// Connect verifies the access token, loads the joined rooms and starts syncing.
// Inbound messages are passed to deliver from the sync goroutine.
func (c *Connector) Connect(ctx context.Context, creds registry.Credentials, deliver registry.DeliverFunc) (registry.Connection, error) {
	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying access token: %w", err)
	}
	if creds.UserID != "" && whoami.UserID != id.UserID(creds.UserID) {
		return nil, fmt.Errorf("access token belongs to %s, expected %s", whoami.UserID, creds.UserID)
	}
	client.UserID = whoami.UserID

	conn := &Connection{
		accountID:    creds.AccountID,
		client:       client,
		deliver:      deliver,
		rooms:        make(map[id.RoomID]struct{}),
		displayNames: make(map[id.UserID]string),
		logger:       c.logger.With("account_id", creds.AccountID, "user_id", whoami.UserID.String()),
		done:         make(chan struct{}),
	}

	if err := conn.RefreshPeers(ctx); err != nil {
		return nil, err
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	// Skip the backlog returned by the first sync; only live traffic is relayed.
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, conn.handleMessageEvent)

	var syncCtx context.Context
	syncCtx, conn.cancel = context.WithCancel(context.Background())
	go conn.sync(syncCtx)

	conn.logger.Info("matrix account syncing", "homeserver", creds.Homeserver, "rooms", len(conn.rooms))
	return conn, nil
}

// Connection is one syncing Matrix account.
type Connection struct {
	accountID string
	client    *mautrix.Client
	deliver   registry.DeliverFunc
	logger    *slog.Logger

	mu           sync.RWMutex
	rooms        map[id.RoomID]struct{}
	displayNames map[id.UserID]string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Connection) sync(ctx context.Context) {
	defer close(c.done)
	if err := c.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("matrix sync stopped", "error", err)
	}
}

// handleMessageEvent runs on the sync goroutine. Events are handed to the
// registry synchronously so they stay in room timeline order.
func (c *Connection) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		c.logger.Debug("ignoring non-text message", "msgtype", content.MsgType, "room", evt.RoomID.String())
		return
	}

	// Rooms we receive messages from are reachable.
	c.mu.Lock()
	c.rooms[evt.RoomID] = struct{}{}
	c.mu.Unlock()

	name := c.displayName(ctx, evt.Sender)
	localpart, _, _ := evt.Sender.Parse()
	first, last, _ := strings.Cut(name, " ")

	c.deliver(registry.InboundEvent{
		AccountID:  c.accountID,
		ChatID:     evt.RoomID.String(),
		MessageID:  evt.ID.String(),
		Text:       content.Body,
		Timestamp:  time.UnixMilli(evt.Timestamp),
		SenderID:   evt.Sender.String(),
		SenderName: name,
		Customer: registry.CustomerProfile{
			UserID:    evt.Sender.String(),
			FirstName: first,
			LastName:  last,
			Username:  localpart,
		},
	})
}

// displayName returns the sender's profile name, falling back to the
// localpart of the user id.
func (c *Connection) displayName(ctx context.Context, userID id.UserID) string {
	c.mu.RLock()
	name, ok := c.displayNames[userID]
	c.mu.RUnlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	name = userID.String()
	if localpart, _, err := userID.Parse(); err == nil && localpart != "" {
		name = localpart
	}
	if resp, err := c.client.GetDisplayName(ctx, userID); err == nil && resp.DisplayName != "" {
		name = resp.DisplayName
	} else if err != nil {
		c.logger.Debug("display name lookup failed", "sender", userID.String(), "error", err)
	}

	c.mu.Lock()
	c.displayNames[userID] = name
	c.mu.Unlock()
	return name
}

// ResolvePeer returns the room id if the account has joined it.
func (c *Connection) ResolvePeer(ctx context.Context, chatID string) (string, error) {
	c.mu.RLock()
	_, ok := c.rooms[id.RoomID(chatID)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRoomNotJoined, chatID)
	}
	return chatID, nil
}

// RefreshPeers reloads the joined room list from the homeserver.
func (c *Connection) RefreshPeers(ctx context.Context) error {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("loading joined rooms: %w", err)
	}

	rooms := make(map[id.RoomID]struct{}, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		rooms[roomID] = struct{}{}
	}

	c.mu.Lock()
	c.rooms = rooms
	c.mu.Unlock()
	return nil
}

// Send posts text to the room. Markdown is rendered into the formatted body.
func (c *Connection) Send(ctx context.Context, peer, text string) (string, error) {
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(peer), event.EventMessage, messageContent(text))
	if err != nil {
		return "", fmt.Errorf("sending matrix message: %w", err)
	}
	return resp.EventID.String(), nil
}

// Close stops the sync loop and waits for it to exit.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.StopSync()
	})

	select {
	case <-c.done:
	case <-time.After(networkTimeout):
		return fmt.Errorf("matrix sync for %s did not stop", c.accountID)
	}
	c.logger.Info("matrix account stopped")
	return nil
}

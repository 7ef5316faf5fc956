// ABOUTME: Tests for the client registry using an in-memory connector
// ABOUTME: Covers idempotent add, handler ordering and isolation, peer refresh retry and send timeouts

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	peers     map[string]bool
	refreshTo map[string]bool // peers that appear after RefreshPeers
	refreshes int
	sent      []string
	sendErr   error
	hang      chan struct{} // blocks resolution until closed, ignoring ctx
	closed    atomic.Bool
	deliver   DeliverFunc
}

func (c *fakeConn) ResolvePeer(ctx context.Context, chatID string) (string, error) {
	if c.hang != nil {
		<-c.hang
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[chatID] {
		return "peer:" + chatID, nil
	}
	return "", errors.New("unknown chat")
}

func (c *fakeConn) RefreshPeers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	for k, v := range c.refreshTo {
		c.peers[k] = v
	}
	return nil
}

func (c *fakeConn) Send(ctx context.Context, peer, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, peer+"|"+text)
	return "ext-1", nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	dials   int
	delay   time.Duration
	err     error
	newConn func() *fakeConn
	conns   map[string]*fakeConn
	// dialing receives once Connect starts; Connect then waits for gate.
	dialing chan struct{}
	gate    chan struct{}
}

func (f *fakeConnector) Connect(ctx context.Context, creds Credentials, deliver DeliverFunc) (Connection, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	gate, dialing := f.gate, f.dialing
	f.mu.Unlock()
	if gate != nil {
		dialing <- struct{}{}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peers: map[string]bool{}}
	if f.newConn != nil {
		c = f.newConn()
	}
	c.deliver = deliver
	if f.conns == nil {
		f.conns = map[string]*fakeConn{}
	}
	f.conns[creds.AccountID] = c
	return c, nil
}

func (f *fakeConnector) conn(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func TestAddClient_Idempotent(t *testing.T) {
	connector := &fakeConnector{delay: 20 * time.Millisecond}
	r := New(connector, Options{})

	var wg sync.WaitGroup
	handles := make([]*Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	h, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	assert.Equal(t, 1, connector.dials)
	for _, other := range handles {
		assert.Same(t, h, other)
	}
	assert.True(t, r.IsConnected("acc"))
	assert.Equal(t, []string{"acc"}, r.Accounts())
}

func TestAddClient_ConnectFailure(t *testing.T) {
	r := New(&fakeConnector{err: errors.New("bad token")}, Options{})

	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.Error(t, err)
	assert.False(t, r.IsConnected("acc"))

	_, err = r.AddClient(context.Background(), Credentials{})
	assert.Error(t, err)
}

func TestRemoveClient(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	require.NoError(t, r.RemoveClient(context.Background(), "acc"))
	assert.False(t, r.IsConnected("acc"))
	assert.True(t, connector.conn("acc").closed.Load())

	assert.NoError(t, r.RemoveClient(context.Background(), "acc"), "removing twice is a no-op")
}

func TestDispatch_OrderAndIsolation(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})

	var calls []string
	r.RegisterHandler("first", HandlerFunc(func(ctx context.Context, evt InboundEvent) error {
		calls = append(calls, "first:"+evt.MessageID)
		return errors.New("first failed")
	}))
	r.RegisterHandler("second", HandlerFunc(func(ctx context.Context, evt InboundEvent) error {
		calls = append(calls, "second:"+evt.MessageID)
		panic("second exploded")
	}))
	r.RegisterHandler("third", HandlerFunc(func(ctx context.Context, evt InboundEvent) error {
		calls = append(calls, "third:"+evt.MessageID)
		assert.Equal(t, "acc", evt.AccountID, "account id is filled in by the registry")
		return nil
	}))

	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	deliver := connector.conn("acc").deliver
	deliver(InboundEvent{ChatID: "c", MessageID: "1"})
	deliver(InboundEvent{ChatID: "c", MessageID: "2"})

	assert.Equal(t, []string{
		"first:1", "second:1", "third:1",
		"first:2", "second:2", "third:2",
	}, calls)
}

func TestStopAccepting_DropsEvents(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})

	var n atomic.Int32
	r.RegisterHandler("count", HandlerFunc(func(context.Context, InboundEvent) error {
		n.Add(1)
		return nil
	}))
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	deliver := connector.conn("acc").deliver
	deliver(InboundEvent{MessageID: "1"})
	r.StopAccepting()
	deliver(InboundEvent{MessageID: "2"})

	assert.Equal(t, int32(1), n.Load())
}

func TestSendMessage_Success(t *testing.T) {
	connector := &fakeConnector{newConn: func() *fakeConn {
		return &fakeConn{peers: map[string]bool{"chat": true}}
	}}
	r := New(connector, Options{})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	id, err := r.SendMessage(context.Background(), "acc", "chat", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
	assert.Equal(t, []string{"peer:chat|hello"}, connector.conn("acc").sent)
}

func TestSendMessage_UnknownAccount(t *testing.T) {
	r := New(&fakeConnector{}, Options{})
	_, err := r.SendMessage(context.Background(), "ghost", "chat", "hello")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestSendMessage_RefreshesPeersThenSucceeds(t *testing.T) {
	connector := &fakeConnector{newConn: func() *fakeConn {
		return &fakeConn{peers: map[string]bool{}, refreshTo: map[string]bool{"chat": true}}
	}}
	r := New(connector, Options{ResolveRetries: 1})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	id, err := r.SendMessage(context.Background(), "acc", "chat", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
	assert.Equal(t, 1, connector.conn("acc").refreshes)
}

func TestSendMessage_GivesUpAfterRetries(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{ResolveRetries: 2})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	_, err = r.SendMessage(context.Background(), "acc", "nowhere", "hello")
	assert.ErrorIs(t, err, ErrPeerUnresolved)
	assert.Equal(t, 2, connector.conn("acc").refreshes)
	assert.Empty(t, connector.conn("acc").sent)
}

func TestSendMessage_NoRetriesConfigured(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{ResolveRetries: 0})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	_, err = r.SendMessage(context.Background(), "acc", "nowhere", "hello")
	assert.ErrorIs(t, err, ErrPeerUnresolved)
	assert.Equal(t, 0, connector.conn("acc").refreshes)
}

func TestSendMessage_TransportError(t *testing.T) {
	connector := &fakeConnector{newConn: func() *fakeConn {
		return &fakeConn{peers: map[string]bool{"chat": true}, sendErr: errors.New("rate limited")}
	}}
	r := New(connector, Options{})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	_, err = r.SendMessage(context.Background(), "acc", "chat", "hello")
	assert.ErrorContains(t, err, "rate limited")
}

func TestSendMessage_HungResolutionIsBounded(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	connector := &fakeConnector{newConn: func() *fakeConn {
		return &fakeConn{peers: map[string]bool{}, hang: release}
	}}
	r := New(connector, Options{SendTimeout: 30 * time.Millisecond})
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	start := time.Now()
	_, err = r.SendMessage(context.Background(), "acc", "chat", "hello")
	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnectAll(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.AddClient(context.Background(), Credentials{AccountID: id})
		require.NoError(t, err)
	}

	require.NoError(t, r.DisconnectAll(context.Background()))

	assert.Equal(t, 0, r.Count())
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, connector.conn(id).closed.Load(), id)
	}
}

func TestWaitIdle_WaitsForRunningHandlers(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	r.RegisterHandler("slow", HandlerFunc(func(context.Context, InboundEvent) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}))
	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)

	go connector.conn("acc").deliver(InboundEvent{MessageID: "1"})
	<-entered

	r.StopAccepting()

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitIdle(short), context.DeadlineExceeded, "handler is still running")

	idle := make(chan error, 1)
	go func() { idle <- r.WaitIdle(context.Background()) }()

	select {
	case <-idle:
		t.Fatal("WaitIdle returned while a handler was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-idle:
		require.NoError(t, err)
		assert.True(t, finished.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after the handler finished")
	}
}

func TestWaitIdle_NoDeliveries(t *testing.T) {
	r := New(&fakeConnector{}, Options{})
	r.StopAccepting()
	assert.NoError(t, r.WaitIdle(context.Background()))
}

func TestAddClient_AfterStopAccepting(t *testing.T) {
	connector := &fakeConnector{}
	r := New(connector, Options{})
	r.StopAccepting()

	_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 0, connector.dials)
}

// startGatedConnect begins AddClient for acc and returns once the connector
// is dialing. The returned channel yields AddClient's error.
func startGatedConnect(t *testing.T, r *Registry, connector *fakeConnector) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := r.AddClient(context.Background(), Credentials{AccountID: "acc"})
		errCh <- err
	}()
	select {
	case <-connector.dialing:
	case <-time.After(2 * time.Second):
		t.Fatal("connector was never dialed")
	}
	return errCh
}

func TestAddClient_CompletesAfterDisconnectAll(t *testing.T) {
	connector := &fakeConnector{dialing: make(chan struct{}, 1), gate: make(chan struct{})}
	r := New(connector, Options{})

	errCh := startGatedConnect(t, r, connector)
	require.NoError(t, r.DisconnectAll(context.Background()))
	close(connector.gate)

	err := <-errCh
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, r.IsConnected("acc"))
	assert.Equal(t, 0, r.Count())
	assert.True(t, connector.conn("acc").closed.Load(), "late connection must be closed")
}

func TestAddClient_CompletesAfterRemoveClient(t *testing.T) {
	connector := &fakeConnector{dialing: make(chan struct{}, 1), gate: make(chan struct{})}
	r := New(connector, Options{})

	errCh := startGatedConnect(t, r, connector)
	require.NoError(t, r.RemoveClient(context.Background(), "acc"))
	close(connector.gate)

	err := <-errCh
	assert.ErrorIs(t, err, ErrConnectSuperseded)
	assert.False(t, r.IsConnected("acc"))
	assert.True(t, connector.conn("acc").closed.Load(), "late connection must be closed")

	// A fresh connect after the removal is accepted.
	connector.mu.Lock()
	connector.gate = nil
	connector.mu.Unlock()
	_, err = r.AddClient(context.Background(), Credentials{AccountID: "acc"})
	require.NoError(t, err)
	assert.True(t, r.IsConnected("acc"))
}

// Package parlo provides the Go client for the Parlo realtime chat and call
// gateway. It maintains one persistent connection, authenticates with a
// bearer credential, survives network interruption via bounded reconnection,
// and fans inbound events out to registered subscribers.
package parlo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parlo/parlo-go-sdk/transport"
	"github.com/parlo/parlo-go-sdk/wire"
)

const (
	sendBufferSize  = 64
	authReadTimeout = 10 * time.Second
)

var (
	// ErrAuth means the gateway rejected the credential. Not retried
	// automatically; the caller must refresh the credential and reconnect.
	ErrAuth = errors.New("parlo: credential rejected")
	// ErrNotConnected means the operation needs a live connection.
	ErrNotConnected = errors.New("parlo: not connected")
	// ErrSendBufferFull means the outbound queue is saturated.
	ErrSendBufferFull = errors.New("parlo: send buffer full")
)

// DialFunc produces a connected transport. Overridable for tests and custom
// stacks; the default dials WebSocket and falls back to long polling.
type DialFunc func(ctx context.Context) (transport.Transport, error)

// Client owns the single logical connection to the gateway.
//
// Subscriber callbacks run sequentially on the delivery goroutine and must
// not block indefinitely; a callback that panics is isolated, a callback
// that hangs stalls delivery.
type Client struct {
	id  string
	cfg Config

	dialFunc DialFunc

	mu            sync.Mutex
	token         string // normalized credential of the current session
	tr            transport.Transport
	sendCh        chan []byte
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	state         atomicState

	messages    *Bus[Message]
	calls       *Bus[CallEvent]
	unread      UnreadCounter
	callDedup   *wire.DedupWindow
	coordinator *callCoordinator

	convMu sync.Mutex
	joined map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithPermissionProvider injects the platform microphone permission layer.
func WithPermissionProvider(p PermissionProvider) Option {
	return func(c *Client) { c.coordinator.permissions = p }
}

// WithNotifier injects the local notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.coordinator.notifier = n }
}

// WithActivityObserver injects the app foreground/background observer.
func WithActivityObserver(a ActivityObserver) Option {
	return func(c *Client) { c.coordinator.activity = a }
}

// WithDialer replaces the default transport dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dialFunc = dial }
}

// NewClient creates a client. Collaborators default to no-ops suitable for
// headless consumers; UI hosts inject real ones via options.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()

	c := &Client{
		id:        uuid.NewString(),
		cfg:       cfg,
		messages:  NewBus[Message](),
		calls:     NewBus[CallEvent](),
		callDedup: wire.NewDedupWindow(),
		joined:    make(map[string]bool),
	}
	c.coordinator = newCallCoordinator(
		grantedPermissions{}, nopNotifier{}, foregroundActivity{}, c, c.calls,
	)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Connect establishes a session with the given credential. Idempotent: a
// live session with the same credential is a no-op; a different credential
// tears the old session down first.
//
// A rejected credential returns ErrAuth immediately. Transport failures are
// not returned: the bounded backoff policy retries in the background and the
// client stays in StateConnecting until it succeeds or exhausts its attempts.
func (c *Client) Connect(ctx context.Context, rawToken string) error {
	token := NormalizeToken(rawToken)

	c.mu.Lock()
	if c.sessionCancel != nil && c.token == token && c.State() != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.Disconnect()

	c.mu.Lock()
	session, cancel := context.WithCancel(context.Background())
	c.sessionCtx = session
	c.sessionCancel = cancel
	c.token = token
	c.state.set(StateConnecting)
	c.mu.Unlock()

	err := c.attemptConnect(ctx, session)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth):
		c.Disconnect()
		return err
	case ctx.Err() != nil:
		c.Disconnect()
		return ctx.Err()
	default:
		slog.Warn("initial connect failed, retrying", "error", err)
		go c.reconnectLoop(session, 2)
		return nil
	}
}

// Disconnect tears down the transport, cancels any pending reconnection
// timer and backlog fetch, and forgets the credential. Safe to call when
// already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.sessionCancel
	tr := c.tr
	c.sessionCancel = nil
	c.sessionCtx = nil
	c.tr = nil
	c.sendCh = nil
	c.token = ""
	c.state.set(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
}

// State returns the current transport state.
func (c *Client) State() ConnState { return c.state.get() }

// IsConnected reports whether the connection is live.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// ID returns the client instance id.
func (c *Client) ID() string { return c.id }

// attemptConnect dials, authenticates, and installs the transport. The
// session context guards against a teardown racing the handshake.
func (c *Client) attemptConnect(dialCtx, session context.Context) error {
	tr, err := c.dial(dialCtx)
	if err != nil {
		return err
	}

	if err := c.authenticate(tr); err != nil {
		tr.Close()
		return err
	}

	c.mu.Lock()
	if session.Err() != nil {
		c.mu.Unlock()
		tr.Close()
		return session.Err()
	}
	ch := make(chan []byte, sendBufferSize)
	c.tr = tr
	c.sendCh = ch
	c.state.set(StateConnected)
	c.mu.Unlock()

	go c.readLoop(session, tr)
	go c.writeLoop(session, tr, ch)
	go c.scheduleBacklogFetch(session)
	c.rejoinConversations()

	slog.Info("connected to gateway", "endpoint", c.cfg.Endpoint, "client", c.id)
	return nil
}

func (c *Client) dial(ctx context.Context) (transport.Transport, error) {
	if c.dialFunc != nil {
		return c.dialFunc(ctx)
	}

	ws := transport.NewWebSocket(c.cfg.Endpoint, c.cfg.DialTimeout)
	err := ws.Connect(ctx)
	if err == nil {
		return ws, nil
	}
	if c.cfg.FallbackEndpoint == "" {
		return nil, err
	}

	slog.Warn("websocket dial failed, falling back to long polling", "error", err)
	lp := transport.NewLongPolling(c.cfg.FallbackEndpoint, c.cfg.DialTimeout)
	if err := lp.Connect(ctx); err != nil {
		return nil, err
	}
	return lp, nil
}

// authenticate runs the handshake: send the normalized credential, wait for
// the verdict.
func (c *Client) authenticate(tr transport.Transport) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	payload, err := json.Marshal(wire.AuthPayload{Auth: wire.AuthCredentials{Token: token}})
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.Envelope{Event: wire.EventAuth, Data: payload})
	if err != nil {
		return err
	}
	if err := tr.Send(frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if dt, ok := tr.(transport.DeadlineTransport); ok {
		dt.SetReadDeadline(time.Now().Add(authReadTimeout))
		defer dt.SetReadDeadline(time.Time{})
	}

	raw, err := tr.Receive()
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	env, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode auth: %w", err)
	}

	switch env.Event {
	case wire.EventAuthOK:
		return nil
	case wire.EventAuthError:
		var p wire.AuthErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		if p.Reason == "" {
			p.Reason = "unspecified"
		}
		return fmt.Errorf("%w: %s", ErrAuth, p.Reason)
	default:
		return fmt.Errorf("unexpected handshake event %q", env.Event)
	}
}

// reconnectLoop retries attemptConnect with exponential backoff and jitter
// until it succeeds, the session ends, or the attempt budget runs out.
func (c *Client) reconnectLoop(session context.Context, attempt int) {
	delay := c.cfg.ReconnectDelay

	for ; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-session.Done():
			return
		case <-time.After(withJitter(delay)):
		}

		err := c.attemptConnect(session, session)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuth) {
			slog.Error("credential rejected, stopping reconnection", "error", err)
			c.Disconnect()
			return
		}
		if session.Err() != nil {
			return
		}
		slog.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}

	// Budget exhausted: stay down until something explicitly retries. A newer
	// session may have replaced this one while the loop drained; never stomp
	// its state.
	c.mu.Lock()
	if c.sessionCtx != session {
		c.mu.Unlock()
		return
	}
	c.state.set(StateDisconnected)
	c.mu.Unlock()
	slog.Warn("reconnection attempts exhausted", "attempts", c.cfg.ReconnectAttempts)
}

// withJitter spreads a delay over [d/2, 3d/2) to avoid reconnection storms.
func withJitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// handleDisconnect reacts to a failed read or write on tr. Only the transport
// still installed triggers a reconnect; late failures from an already
// replaced transport are ignored.
func (c *Client) handleDisconnect(session context.Context, tr transport.Transport, err error) {
	c.mu.Lock()
	if c.tr != tr || session.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	c.sendCh = nil
	c.state.set(StateConnecting)
	c.mu.Unlock()

	tr.Close()
	slog.Warn("connection lost, reconnecting", "error", err)
	go c.reconnectLoop(session, 1)
}

// ensureConnected nudges an idle session back to life. Used by the call
// coordinator: an inbound call is an explicit reason to retry even after the
// automatic budget ran out.
func (c *Client) ensureConnected() {
	c.mu.Lock()
	session := c.sessionCtx
	if session == nil || session.Err() != nil || c.State() != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state.set(StateConnecting)
	c.mu.Unlock()

	go c.reconnectLoop(session, 1)
}

// scheduleBacklogFetch asks the gateway for messages buffered while offline,
// once per successful connection, after a settle delay so it never races the
// handshake.
func (c *Client) scheduleBacklogFetch(session context.Context) {
	select {
	case <-session.Done():
		return
	case <-time.After(c.cfg.SettleDelay):
	}
	if err := c.send(wire.EventGetOfflineMessages, nil); err != nil {
		slog.Debug("offline backlog fetch skipped", "error", err)
	}
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

func (c *Client) send(event string, payload any) error {
	c.mu.Lock()
	ch := c.sendCh
	connected := c.State() == StateConnected
	c.mu.Unlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	frame, err := wire.Encode(wire.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case ch <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendMessage publishes a message-creation request. The payload shape is
// caller-supplied; the gateway validates it.
func (c *Client) SendMessage(req any) error {
	return c.send(wire.EventSendMessage, req)
}

// JoinConversation subscribes the session to a conversation. Membership is
// remembered and re-announced after every reconnect; joining while offline
// defers the announcement to the next connect.
func (c *Client) JoinConversation(conversationID string) error {
	c.convMu.Lock()
	c.joined[conversationID] = true
	c.convMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	return c.send(wire.EventJoinConversation, conversationID)
}

// LeaveConversation unsubscribes the session from a conversation.
func (c *Client) LeaveConversation(conversationID string) error {
	c.convMu.Lock()
	delete(c.joined, conversationID)
	c.convMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	return c.send(wire.EventLeaveConversation, conversationID)
}

// RejectCall tells the gateway the callee declined.
func (c *Client) RejectCall(callID, recipientID, conversationID string) error {
	return c.send(wire.EventRejectCall, wire.RejectCallPayload{
		CallID:         callID,
		RecipientID:    recipientID,
		ConversationID: conversationID,
	})
}

func (c *Client) rejoinConversations() {
	c.convMu.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.convMu.Unlock()

	for _, id := range ids {
		if err := c.send(wire.EventJoinConversation, id); err != nil {
			slog.Debug("conversation rejoin failed", "conversation", id, "error", err)
		}
	}
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// OnMessage registers fn for every inbound chat message. The returned
// function removes exactly this registration.
func (c *Client) OnMessage(fn func(Message)) (unsubscribe func()) {
	return c.messages.Subscribe(fn)
}

// OnCall registers fn for call signals; fn discriminates on CallEvent.Kind.
// The returned function removes exactly this registration.
func (c *Client) OnCall(fn func(CallEvent)) (unsubscribe func()) {
	return c.calls.Subscribe(fn)
}

// UnreadCount returns messages delivered since the last clear.
func (c *Client) UnreadCount() int { return c.unread.Value() }

// IncrementUnread adds one to the unread counter.
func (c *Client) IncrementUnread() { c.unread.Increment() }

// ClearUnread resets the unread counter. Safe regardless of connection state.
func (c *Client) ClearUnread() { c.unread.Reset() }

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

func (c *Client) readLoop(session context.Context, tr transport.Transport) {
	for {
		raw, err := tr.Receive()
		if err != nil {
			if session.Err() != nil {
				return
			}
			c.handleDisconnect(session, tr, err)
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			slog.Debug("bad envelope", "error", err)
			continue
		}
		c.dispatch(session, env)
	}
}

func (c *Client) writeLoop(session context.Context, tr transport.Transport, ch <-chan []byte) {
	for {
		select {
		case <-session.Done():
			return
		case frame := <-ch:
			if err := tr.Send(frame); err != nil {
				if session.Err() == nil {
					c.handleDisconnect(session, tr, err)
				}
				return
			}
		}
	}
}

// callEventKinds maps every wire name a call signal has been observed under
// to its kind. The gateway emits the canonical names; older backends relayed
// the "call-" prefixed forms. All names funnel into the same handler, where
// the dedup window makes double delivery of one logical signal a no-op.
var callEventKinds = map[string]CallEventKind{
	wire.EventIncomingCall:  CallIncoming,
	"call-incoming":         CallIncoming,
	wire.EventCallCancelled: CallCancelled,
	"cancel-call":           CallCancelled,
}

func (c *Client) dispatch(session context.Context, env wire.Envelope) {
	if kind, ok := callEventKinds[env.Event]; ok {
		c.handleCallEnvelope(session, env.Data, kind)
		return
	}

	switch env.Event {
	case wire.EventReceiveMessage, wire.EventMessage:
		var msg Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			slog.Debug("bad message payload", "error", err)
			return
		}
		c.unread.Increment()
		c.messages.publish(msg)

	case wire.EventOfflineDelivered:
		var p wire.OfflineDeliveredPayload
		if err := json.Unmarshal(env.Data, &p); err == nil && p.Count > 0 {
			slog.Info("offline backlog delivered", "count", p.Count)
		}

	case wire.EventAuthOK, wire.EventAuthError:
		// handshake verdicts are consumed synchronously in authenticate

	default:
		slog.Debug("unhandled event", "event", env.Event)
	}
}

func (c *Client) handleCallEnvelope(session context.Context, data json.RawMessage, kind CallEventKind) {
	var p wire.CallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Debug("bad call payload", "error", err)
		return
	}
	ev := callEventFromPayload(kind, p)

	if c.callDedup.IsDuplicate(ev.dedupKey()) {
		slog.Debug("duplicate call signal dropped", "callId", ev.CallID, "kind", kind)
		return
	}

	switch kind {
	case CallIncoming:
		// The permission round trip suspends; keep message delivery flowing.
		go c.coordinator.handleIncoming(session, ev)
	case CallCancelled:
		c.coordinator.handleCancelled(ev)
	}
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// atomicState makes ConnState observable without taking the client mutex.
type atomicState struct {
	v atomic.Int32
}

func (s *atomicState) get() ConnState   { return ConnState(s.v.Load()) }
func (s *atomicState) set(st ConnState) { s.v.Store(int32(st)) }

package parlo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlo/parlo-go-sdk/transport"
	"github.com/parlo/parlo-go-sdk/wire"
)

// fakeTransport is an in-memory Transport with a scripted handshake.
type fakeTransport struct {
	mu            sync.Mutex
	inbound       chan []byte
	sent          [][]byte
	closed        bool
	authReply     string          // envelope event answering the auth handshake
	authReplyData json.RawMessage // payload of that reply, if any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:   make(chan []byte, 32),
		authReply: wire.EventAuthOK,
	}
}

func (t *fakeTransport) Connect(context.Context) error { return nil }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, data)
	reply := t.authReply
	replyData := t.authReplyData
	t.mu.Unlock()

	if env, err := wire.Decode(data); err == nil && env.Event == wire.EventAuth {
		t.push(wire.Envelope{Event: reply, Data: replyData})
	}
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbound)
	}
	return nil
}

func (t *fakeTransport) push(env wire.Envelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		panic(err)
	}
	t.inbound <- frame
}

func (t *fakeTransport) pushJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	t.push(wire.Envelope{Event: event, Data: data})
}

func (t *fakeTransport) sentEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := make([]string, 0, len(t.sent))
	for _, frame := range t.sent {
		if env, err := wire.Decode(frame); err == nil {
			events = append(events, env.Event)
		}
	}
	return events
}

func (t *fakeTransport) sentEnvelope(event string) (wire.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, frame := range t.sent {
		if env, err := wire.Decode(frame); err == nil && env.Event == event {
			return env, true
		}
	}
	return wire.Envelope{}, false
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func testConfig() Config {
	return Config{
		Endpoint:          "ws://gateway.test/rt",
		DialTimeout:       50 * time.Millisecond,
		ReconnectAttempts: 6,
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 4 * time.Millisecond,
		SettleDelay:       5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, dial DialFunc, opts ...Option) *Client {
	t.Helper()
	c := NewClient(testConfig(), append(opts, WithDialer(dial))...)
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func singleDialer(tr *fakeTransport) DialFunc {
	return func(context.Context) (transport.Transport, error) { return tr, nil }
}

func TestConnectSendsNormalizedCredential(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))

	if err := c.Connect(context.Background(), "Bearer tok-123"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("expected connected state")
	}

	env, ok := tr.sentEnvelope(wire.EventAuth)
	if !ok {
		t.Fatal("no auth envelope sent")
	}
	var p wire.AuthPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal auth payload: %v", err)
	}
	if p.Auth.Token != "tok-123" {
		t.Errorf("handshake token: got %q, want %q", p.Auth.Token, "tok-123")
	}
}

func TestConnectIdempotentSameCredential(t *testing.T) {
	tr := newFakeTransport()
	dials := 0
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		dials++
		return tr, nil
	})

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if dials != 1 {
		t.Errorf("dials: got %d, want 1", dials)
	}
}

func TestConnectNewCredentialTearsDown(t *testing.T) {
	var mu sync.Mutex
	var fakes []*fakeTransport
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		tr := newFakeTransport()
		mu.Lock()
		fakes = append(fakes, tr)
		mu.Unlock()
		return tr, nil
	})

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background(), "tok-2"); err != nil {
		t.Fatalf("connect with new credential: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fakes) != 2 {
		t.Fatalf("dials: got %d, want 2", len(fakes))
	}
	if !fakes[0].isClosed() {
		t.Error("old session's transport not closed")
	}
	if !c.IsConnected() {
		t.Error("expected connected state on new credential")
	}
}

func TestAuthRejectionNotRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.authReply = wire.EventAuthError
	dials := 0
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		dials++
		return tr, nil
	})

	err := c.Connect(context.Background(), "tok-bad")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "unspecified") {
		t.Errorf("error %q missing default rejection reason", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state: got %v, want disconnected", c.State())
	}

	time.Sleep(30 * time.Millisecond)
	if dials != 1 {
		t.Errorf("rejected credential retried: %d dials", dials)
	}
}

func TestAuthRejectionCarriesReason(t *testing.T) {
	tr := newFakeTransport()
	tr.authReply = wire.EventAuthError
	tr.authReplyData, _ = json.Marshal(wire.AuthErrorPayload{Reason: "token expired"})
	c := newTestClient(t, singleDialer(tr))

	err := c.Connect(context.Background(), "tok-stale")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Errorf("error %q missing the gateway's rejection reason", err)
	}
}

func TestMessageFanOutAndUnread(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var first, second []Message
	c.OnMessage(func(m Message) { mu.Lock(); first = append(first, m); mu.Unlock() })
	c.OnMessage(func(m Message) { mu.Lock(); second = append(second, m); mu.Unlock() })

	msg := Message{
		ID:             "m-1",
		ConversationID: "conv-1",
		SenderID:       "u-2",
		SenderRole:     "agent",
		Content:        "hello",
		Timestamp:      1700000000000,
		Type:           MessageText,
	}
	tr.pushJSON(wire.EventReceiveMessage, msg)

	waitFor(t, "message not fanned out", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	})

	mu.Lock()
	if first[0] != msg || second[0] != msg {
		t.Errorf("payload modified in flight: %+v vs %+v", first[0], second[0])
	}
	if want := time.UnixMilli(1700000000000); !first[0].Time().Equal(want) {
		t.Errorf("message time: got %v, want %v", first[0].Time(), want)
	}
	mu.Unlock()

	// One event, two subscribers: the counter moves by exactly one.
	if got := c.UnreadCount(); got != 1 {
		t.Errorf("unread: got %d, want 1", got)
	}

	// Legacy alias delivers the same way.
	tr.pushJSON(wire.EventMessage, msg)
	waitFor(t, "aliased message not delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2
	})
	if got := c.UnreadCount(); got != 2 {
		t.Errorf("unread after alias: got %d, want 2", got)
	}

	c.ClearUnread()
	if got := c.UnreadCount(); got != 0 {
		t.Errorf("unread after clear: got %d, want 0", got)
	}
}

func TestUnreadIncrementsWithoutSubscribers(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tr.pushJSON(wire.EventReceiveMessage, Message{ID: "m-1", Type: MessageText})

	waitFor(t, "unread not incremented", func() bool { return c.UnreadCount() == 1 })
}

func TestReconnectAfterTransientFailures(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	dials := 0
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n <= 3 {
			return nil, errors.New("network unreachable")
		}
		return tr, nil
	})

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s := c.State(); s == StateDisconnected {
		t.Errorf("state after transient failure: got %v, want connecting", s)
	}

	waitFor(t, "never reconnected", c.IsConnected)

	mu.Lock()
	defer mu.Unlock()
	if dials != 4 {
		t.Errorf("dials: got %d, want 4", dials)
	}
}

func TestReconnectExhaustionSettlesDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectAttempts = 3

	var mu sync.Mutex
	dials := 0
	c := NewClient(cfg, WithDialer(func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("network unreachable")
	}))
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "never settled disconnected", func() bool {
		return c.State() == StateDisconnected
	})

	mu.Lock()
	settled := dials
	mu.Unlock()
	if settled != 3 {
		t.Errorf("dials: got %d, want 3", settled)
	}

	// No further automatic attempts after exhaustion.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != settled {
		t.Errorf("automatic retries continued after exhaustion: %d dials", dials)
	}
}

func TestExhaustedRetryLoopDoesNotStompNewSession(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))

	if err := c.Connect(context.Background(), "tok-2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A retry loop left over from an earlier session drains its budget after
	// the replacement session is already connected. It must not touch the
	// replacement's state.
	stale, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.reconnectLoop(stale, c.cfg.ReconnectAttempts+1)

	if !c.IsConnected() {
		t.Fatalf("live transport installed but State()=%v", c.State())
	}
	if err := c.SendMessage(map[string]string{"content": "still here"}); err != nil {
		t.Errorf("send on live session: %v", err)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = 30 * time.Millisecond
	cfg.MaxReconnectDelay = 30 * time.Millisecond

	var mu sync.Mutex
	dials := 0
	c := NewClient(cfg, WithDialer(func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("network unreachable")
	}))

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect()

	mu.Lock()
	before := dials
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if dials != before {
		t.Errorf("reconnect timer fired after disconnect: %d -> %d dials", before, dials)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state: got %v, want disconnected", c.State())
	}
}

func TestTransportDropReconnectsAndRejoins(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	var mu sync.Mutex
	dials := 0
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	})

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.JoinConversation("conv-9"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Simulate the network dropping out from under the session.
	first.Close()

	waitFor(t, "never reconnected after drop", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2 && c.IsConnected()
	})

	waitFor(t, "conversation not rejoined", func() bool {
		env, ok := second.sentEnvelope(wire.EventJoinConversation)
		if !ok {
			return false
		}
		var id string
		return json.Unmarshal(env.Data, &id) == nil && id == "conv-9"
	})
}

func TestOfflineBacklogFetchAfterSettleDelay(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "offline backlog never requested", func() bool {
		_, ok := tr.sentEnvelope(wire.EventGetOfflineMessages)
		return ok
	})

	events := tr.sentEvents()
	if events[0] != wire.EventAuth {
		t.Errorf("first outbound event %q, want auth before backlog fetch", events[0])
	}
}

func TestIncomingCallReachesSubscribers(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []CallEvent
	c.OnCall(func(ev CallEvent) { mu.Lock(); got = append(got, ev); mu.Unlock() })

	tr.pushJSON(wire.EventIncomingCall, wire.CallPayload{
		CallID: "call-7", CallerID: "u-1", RecipientID: "u-2", ConversationID: "conv-3",
	})

	waitFor(t, "call not dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	want := CallEvent{Kind: CallIncoming, CallID: "call-7", CallerID: "u-1", RecipientID: "u-2", ConversationID: "conv-3"}
	if got[0] != want {
		t.Errorf("call event: got %+v, want %+v", got[0], want)
	}
}

func TestDuplicateCallSignalSuppressed(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []CallEvent
	c.OnCall(func(ev CallEvent) { mu.Lock(); got = append(got, ev); mu.Unlock() })

	payload := wire.CallPayload{CallID: "call-7", CallerID: "u-1", RecipientID: "u-2", ConversationID: "conv-3"}
	tr.pushJSON(wire.EventIncomingCall, payload)
	tr.pushJSON(wire.EventIncomingCall, payload)
	tr.pushJSON("call-incoming", payload) // legacy alias of the same signal

	waitFor(t, "call not dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(got) != 1 {
		t.Errorf("duplicate signals dispatched %d times, want 1", len(got))
	}
	mu.Unlock()

	// Cancellation of the same call is a different logical event.
	tr.pushJSON(wire.EventCallCancelled, payload)
	waitFor(t, "cancellation not dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[1].Kind == CallCancelled
	})
}

func TestCallCancelledWithoutPriorIncoming(t *testing.T) {
	tr := newFakeTransport()
	// Permission denied: cancellation must still go through.
	perms := &fakePerms{checkStatus: PermissionDenied, requestStatus: PermissionDenied}
	c := newTestClient(t, singleDialer(tr), WithPermissionProvider(perms))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var got []CallEvent
	c.OnCall(func(ev CallEvent) { mu.Lock(); got = append(got, ev); mu.Unlock() })

	tr.pushJSON(wire.EventCallCancelled, wire.CallPayload{CallID: "call-9"})

	waitFor(t, "cancellation not dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Kind == CallCancelled
	})
}

func TestSendRequiresConnection(t *testing.T) {
	c := NewClient(testConfig(), WithDialer(singleDialer(newFakeTransport())))

	if err := c.SendMessage(map[string]string{"content": "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage while disconnected: got %v, want ErrNotConnected", err)
	}
	if err := c.RejectCall("call-1", "u-2", "conv-3"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RejectCall while disconnected: got %v, want ErrNotConnected", err)
	}
}

func TestRejectCallPayload(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, singleDialer(tr))
	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.RejectCall("call-1", "u-2", "conv-3"); err != nil {
		t.Fatalf("reject call: %v", err)
	}

	waitFor(t, "reject-call never sent", func() bool {
		_, ok := tr.sentEnvelope(wire.EventRejectCall)
		return ok
	})

	env, _ := tr.sentEnvelope(wire.EventRejectCall)
	var p wire.RejectCallPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal reject payload: %v", err)
	}
	want := wire.RejectCallPayload{CallID: "call-1", RecipientID: "u-2", ConversationID: "conv-3"}
	if p != want {
		t.Errorf("reject payload: got %+v, want %+v", p, want)
	}
}

func TestLeaveConversationForgetsMembership(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	var mu sync.Mutex
	dials := 0
	c := newTestClient(t, func(ctx context.Context) (transport.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	})

	if err := c.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.JoinConversation("conv-1")
	c.JoinConversation("conv-2")
	c.LeaveConversation("conv-1")

	first.Close()
	waitFor(t, "never reconnected", c.IsConnected)

	waitFor(t, "conv-2 not rejoined", func() bool {
		_, ok := second.sentEnvelope(wire.EventJoinConversation)
		return ok
	})

	// Left conversations must not be re-announced.
	second.mu.Lock()
	defer second.mu.Unlock()
	for _, frame := range second.sent {
		env, err := wire.Decode(frame)
		if err != nil || env.Event != wire.EventJoinConversation {
			continue
		}
		var id string
		if json.Unmarshal(env.Data, &id) == nil && id == "conv-1" {
			t.Error("left conversation conv-1 was rejoined")
		}
	}
}

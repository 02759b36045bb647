package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatmatch/internal/config"
	"chatmatch/internal/monitoring"
	"chatmatch/internal/persistence"
	"chatmatch/internal/persona"
	"chatmatch/internal/session"
	"chatmatch/pkg/types"
)

// capturingConn records every event sent to a client.
type capturingConn struct {
	mu     sync.Mutex
	userID string
	events []sentEvent
}

type sentEvent struct {
	Event   string
	Payload any
}

func (c *capturingConn) GetUserID() string { return c.userID }
func (c *capturingConn) Close() error      { return nil }

func (c *capturingConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{Event: event, Payload: payload})
	return nil
}

func (c *capturingConn) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.events))
	for i, e := range c.events {
		names[i] = e.Event
	}
	return names
}

func (c *capturingConn) sawEvent(name string) bool {
	for _, e := range c.eventNames() {
		if e == name {
			return true
		}
	}
	return false
}

// capturingArchiver records archive writes for assertions.
type capturingArchiver struct {
	mu       sync.Mutex
	archives []*types.SessionArchive
	events   []*types.Event
}

func (a *capturingArchiver) ArchiveSession(ctx context.Context, record *types.SessionArchive) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archives = append(a.archives, record)
	return nil
}

func (a *capturingArchiver) AppendEvent(ctx context.Context, event *types.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *capturingArchiver) SubmitEvent(event *types.Event) {
	_ = a.AppendEvent(context.Background(), event)
}

func (a *capturingArchiver) HealthCheck(ctx context.Context) error { return nil }
func (a *capturingArchiver) Close() error                          { return nil }

func (a *capturingArchiver) lastArchive() *types.SessionArchive {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.archives) == 0 {
		return nil
	}
	return a.archives[len(a.archives)-1]
}

type testHarness struct {
	engine   *Engine
	archiver *capturingArchiver
	clock    *time.Time
	cfg      *config.Config
}

// newTestHarness builds a started engine with background sweeps effectively
// disabled (hour-long intervals); tests drive the sweeps directly.
func newTestHarness(t *testing.T, tweak func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Queue.MatchInterval = time.Hour
	cfg.Queue.TimeoutInterval = time.Hour
	cfg.Queue.ReaperInterval = time.Hour
	cfg.AIChat.DisengageProbMin = 0
	cfg.AIChat.DisengageProbMax = 0
	if tweak != nil {
		tweak(cfg)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }

	rng := rand.New(rand.NewSource(7))
	sessions := session.NewManager(cfg.AIChat, persona.NewCannedGenerator(), rng, nowFn)
	personas := persona.NewCatalog(nil, rng)
	archiver := &capturingArchiver{}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	e := NewEngine(cfg, sessions, personas, persistence.NewNoopStore(), archiver, metrics, nil, nowFn)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })

	return &testHarness{engine: e, archiver: archiver, clock: clock, cfg: cfg}
}

func (h *testHarness) join(t *testing.T, userID string) *capturingConn {
	t.Helper()
	conn := &capturingConn{userID: userID}
	if _, err := h.engine.Join(context.Background(), userID, conn, types.Preferences{}); err != nil {
		t.Fatalf("Join(%s) failed: %v", userID, err)
	}
	return conn
}

func TestStartStop(t *testing.T) {
	h := newTestHarness(t, nil)

	if err := h.engine.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.engine.Stop(); err != ErrNotRunning {
		t.Errorf("second Stop: got %v, want ErrNotRunning", err)
	}
	if _, err := h.engine.Join(context.Background(), "late", &capturingConn{userID: "late"}, types.Preferences{}); err != ErrNotRunning {
		t.Errorf("Join after stop: got %v, want ErrNotRunning", err)
	}
}

func TestInboundOpsRequireRunning(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := h.engine.Leave(context.Background(), "alice"); err != ErrNotRunning {
		t.Errorf("Leave after stop: got %v, want ErrNotRunning", err)
	}
	if err := h.engine.SendMessage(context.Background(), "alice", "anyone?"); err != ErrNotRunning {
		t.Errorf("SendMessage after stop: got %v, want ErrNotRunning", err)
	}

	// Shutdown drops every socket; the resulting disconnects must not touch
	// queue state.
	h.engine.HandleDisconnect("alice")
	status, err := h.engine.Status("alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != types.StateWaiting {
		t.Errorf("state after stopped-engine disconnect = %s, want waiting", status.State)
	}
}

func TestJoinAndMatch(t *testing.T) {
	h := newTestHarness(t, nil)
	connA := h.join(t, "alice")
	connB := h.join(t, "bob")

	if !connA.sawEvent(types.EventQueueJoined) {
		t.Error("alice never acknowledged")
	}

	h.engine.sweepMatches(context.Background())

	if !connA.sawEvent(types.EventQueueMatched) || !connB.sawEvent(types.EventQueueMatched) {
		t.Fatalf("match events missing: alice=%v bob=%v", connA.eventNames(), connB.eventNames())
	}

	statusA, err := h.engine.Status("alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if statusA.State != types.StateMatched || statusA.PartnerID != "bob" {
		t.Errorf("alice status = %+v", statusA)
	}
}

func TestMatchedMessageRelay(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	connB := h.join(t, "bob")
	h.engine.sweepMatches(context.Background())

	if err := h.engine.SendMessage(context.Background(), "alice", "hey bob!"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !connB.sawEvent(types.EventPartnerMessage) {
		t.Errorf("bob never received the relay: %v", connB.eventNames())
	}
}

func TestSendMessageWhileWaiting(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")

	if err := h.engine.SendMessage(context.Background(), "alice", "anyone?"); err != ErrNotInChat {
		t.Errorf("got %v, want ErrNotInChat", err)
	}
}

func TestTimeoutStartsAIFallback(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.join(t, "alice")

	*h.clock = h.clock.Add(h.cfg.Queue.WaitTimeout + time.Second)
	h.engine.sweepTimeouts(context.Background())

	if !conn.sawEvent(types.EventQueueTimeout) {
		t.Errorf("no timeout event: %v", conn.eventNames())
	}
	if !conn.sawEvent(types.EventAIChatStarted) {
		t.Fatalf("no ai_chat_started event: %v", conn.eventNames())
	}

	status, err := h.engine.Status("alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != types.StateAIChat || status.SessionID == "" {
		t.Errorf("status = %+v, want bound ai_chat", status)
	}
}

func TestTimeoutSkipsFreshWaiters(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")

	h.engine.sweepTimeouts(context.Background())

	status, _ := h.engine.Status("alice")
	if status.State != types.StateWaiting {
		t.Errorf("fresh waiter moved to %s", status.State)
	}
}

func TestAIConversationRunsToRequeue(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.AIChat.ResponseLimitMin = 2
		cfg.AIChat.ResponseLimitMax = 2
	})
	conn := h.join(t, "alice")
	*h.clock = h.clock.Add(h.cfg.Queue.WaitTimeout + time.Second)
	h.engine.sweepTimeouts(context.Background())

	for _, msg := range []string{"hello there, how are you today?", "what kind of music do you like?"} {
		if err := h.engine.SendMessage(context.Background(), "alice", msg); err != nil {
			t.Fatalf("SendMessage(%q) failed: %v", msg, err)
		}
	}

	if !conn.sawEvent(types.EventAIChatEnded) {
		t.Fatalf("conversation never ended: %v", conn.eventNames())
	}

	status, err := h.engine.Status("alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != types.StateWaiting {
		t.Errorf("state after AI chat = %s, want waiting", status.State)
	}
	if status.WaitTime != 0 {
		t.Errorf("wait time after requeue = %v, want fresh accounting", status.WaitTime)
	}

	archive := h.archiver.lastArchive()
	if archive == nil {
		t.Fatal("terminated session was not archived")
	}
	if archive.Reason != types.TerminationLimitReached || archive.Exchanges != 2 {
		t.Errorf("archive = %+v", archive)
	}
}

func TestLeaveNotifiesPartner(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	connB := h.join(t, "bob")
	h.engine.sweepMatches(context.Background())

	if err := h.engine.Leave(context.Background(), "alice"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if !connB.sawEvent(types.EventPartnerLeft) {
		t.Errorf("bob never notified: %v", connB.eventNames())
	}
	statusB, _ := h.engine.Status("bob")
	if statusB.State != types.StateWaiting {
		t.Errorf("bob state = %s, want requeued waiting", statusB.State)
	}
	if _, err := h.engine.Status("alice"); err == nil {
		t.Error("alice still tracked after Leave")
	}
}

func TestLeaveDuringAIChatArchives(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	*h.clock = h.clock.Add(h.cfg.Queue.WaitTimeout + time.Second)
	h.engine.sweepTimeouts(context.Background())

	if err := h.engine.Leave(context.Background(), "alice"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	archive := h.archiver.lastArchive()
	if archive == nil || archive.Reason != types.TerminationLeft {
		t.Errorf("archive = %+v, want participant_left", archive)
	}
}

func TestDisconnectAndReap(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	connB := h.join(t, "bob")
	h.engine.sweepMatches(context.Background())

	h.engine.HandleDisconnect("alice")

	status, _ := h.engine.Status("alice")
	if status.State != types.StateDisconnected {
		t.Errorf("state after disconnect = %s", status.State)
	}

	*h.clock = h.clock.Add(h.cfg.Queue.GracePeriod + time.Second)
	h.engine.sweepStale(context.Background())

	if _, err := h.engine.Status("alice"); err == nil {
		t.Error("alice still tracked after reap")
	}
	if !connB.sawEvent(types.EventPartnerLeft) {
		t.Errorf("bob never notified of reap: %v", connB.eventNames())
	}
}

func TestGraceReconnectKeepsWaitTime(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "alice")
	*h.clock = h.clock.Add(4 * time.Second)
	h.engine.HandleDisconnect("alice")
	*h.clock = h.clock.Add(10 * time.Second)

	conn := &capturingConn{userID: "alice"}
	result, err := h.engine.Join(context.Background(), "alice", conn, types.Preferences{})
	if err != nil {
		t.Fatalf("reconnect Join failed: %v", err)
	}
	if result.Status != "reconnected" {
		t.Errorf("status = %q, want reconnected", result.Status)
	}
	if result.WaitTime != 14*time.Second {
		t.Errorf("wait time = %v, want 14s", result.WaitTime)
	}
}

func TestExpiredAISessionRequeues(t *testing.T) {
	h := newTestHarness(t, nil)
	conn := h.join(t, "alice")
	*h.clock = h.clock.Add(h.cfg.Queue.WaitTimeout + time.Second)
	h.engine.sweepTimeouts(context.Background())

	*h.clock = h.clock.Add(h.cfg.AIChat.MaxDuration + time.Minute)
	h.engine.sweepExpiredSessions(context.Background())

	status, err := h.engine.Status("alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != types.StateWaiting {
		t.Errorf("state = %s, want requeued waiting", status.State)
	}
	if !conn.sawEvent(types.EventAIChatEnded) {
		t.Errorf("no ai_chat_ended event: %v", conn.eventNames())
	}

	archive := h.archiver.lastArchive()
	if archive == nil || archive.Reason != types.TerminationDuration {
		t.Errorf("archive = %+v, want duration_cap", archive)
	}
}

func TestStatsCoverAllStates(t *testing.T) {
	h := newTestHarness(t, nil)
	h.join(t, "a")
	h.join(t, "b")
	h.join(t, "c")
	h.engine.sweepMatches(context.Background())

	stats := h.engine.Stats()
	if stats.Matched != 2 || stats.Waiting != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if h.engine.ActiveCount() != 3 {
		t.Errorf("active count = %d, want 3", h.engine.ActiveCount())
	}
}

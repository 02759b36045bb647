package session

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"chatmatch/internal/config"
	"chatmatch/pkg/types"
)

// stubGenerator returns a fixed reply, or fails when broken.
type stubGenerator struct {
	reply  string
	broken bool
	calls  int
}

func (g *stubGenerator) Generate(ctx context.Context, history []types.ChatMessage, personaID string, engagement int) (string, error) {
	g.calls++
	if g.broken {
		return "", errors.New("generator unavailable")
	}
	return g.reply, nil
}

func testAIConfig() *config.AIChatConfig {
	cfg := *config.DefaultConfig().AIChat
	return &cfg
}

// newTestManager builds a manager with a seeded rng and a controllable clock.
func newTestManager(cfg *config.AIChatConfig, gen *stubGenerator) (*Manager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	return NewManager(cfg, gen, rand.New(rand.NewSource(1)), func() time.Time { return *clock }), clock
}

func TestCreateDrawsProfileWithinRanges(t *testing.T) {
	cfg := testAIConfig()
	m, _ := newTestManager(cfg, &stubGenerator{reply: "hey"})

	for i := 0; i < 100; i++ {
		s := m.Create("user-1", "energetic-fun")
		if s.ResponseLimit < cfg.ResponseLimitMin || s.ResponseLimit > cfg.ResponseLimitMax {
			t.Fatalf("response limit %d outside [%d,%d]", s.ResponseLimit, cfg.ResponseLimitMin, cfg.ResponseLimitMax)
		}
		if s.DisengageStart < cfg.DisengageStartMin || s.DisengageStart > cfg.DisengageStartMax {
			t.Fatalf("disengage start %d outside [%d,%d]", s.DisengageStart, cfg.DisengageStartMin, cfg.DisengageStartMax)
		}
		if s.DisengageProb < cfg.DisengageProbMin || s.DisengageProb > cfg.DisengageProbMax {
			t.Fatalf("disengage prob %f outside [%f,%f]", s.DisengageProb, cfg.DisengageProbMin, cfg.DisengageProbMax)
		}
		if s.Engagement < 2 || s.Engagement > 4 {
			t.Fatalf("initial engagement %d outside [2,4]", s.Engagement)
		}
	}
}

func TestSendMessageResponds(t *testing.T) {
	cfg := testAIConfig()
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0 // never withhold
	gen := &stubGenerator{reply: "haha right?"}
	m, _ := newTestManager(cfg, gen)
	s := m.Create("user-1", "energetic-fun")

	reply, err := m.SendMessage(context.Background(), s.ID, "hey, how is it going over there?")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Kind != ReplyResponded {
		t.Errorf("kind = %s, want responded", reply.Kind)
	}
	if reply.Text != "haha right?" {
		t.Errorf("text = %q", reply.Text)
	}
	if reply.Exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", reply.Exchanges)
	}

	// Both sides of the exchange land in history.
	history := s.History()
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "partner" {
		t.Errorf("history = %+v", history)
	}
}

func TestSendMessageRejectsInvalidContent(t *testing.T) {
	m, _ := newTestManager(testAIConfig(), &stubGenerator{reply: "x"})
	s := m.Create("user-1", "anime-kawaii")

	if _, err := m.SendMessage(context.Background(), s.ID, ""); err != types.ErrEmptyMessage {
		t.Errorf("empty message: got %v, want ErrEmptyMessage", err)
	}
	if _, err := m.SendMessage(context.Background(), s.ID, strings.Repeat("a", 5000)); err != types.ErrMessageTooLong {
		t.Errorf("oversized message: got %v, want ErrMessageTooLong", err)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	m, _ := newTestManager(testAIConfig(), &stubGenerator{reply: "x"})
	if _, err := m.SendMessage(context.Background(), "nope", "hi"); err != ErrUnknownSession {
		t.Errorf("got %v, want ErrUnknownSession", err)
	}
}

func TestLimitReachedEndsWithSignOff(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 3, 3
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	m, _ := newTestManager(cfg, &stubGenerator{reply: "sure thing!"})
	s := m.Create("user-1", "sassy-confident")

	var last Reply
	for i := 0; i < 3; i++ {
		var err error
		last, err = m.SendMessage(context.Background(), s.ID, "tell me something interesting please")
		if err != nil {
			t.Fatalf("message %d failed: %v", i+1, err)
		}
	}

	if last.Kind != ReplyTerminated {
		t.Fatalf("final kind = %s, want terminated", last.Kind)
	}
	if last.Reason != types.TerminationLimitReached {
		t.Errorf("reason = %s, want limit_reached", last.Reason)
	}
	if last.Text == "" {
		t.Error("limit termination should carry the persona sign-off")
	}

	// Further messages are rejected until the session is collected.
	if _, err := m.SendMessage(context.Background(), s.ID, "hello?"); err != ErrSessionEnded {
		t.Errorf("post-termination send: got %v, want ErrSessionEnded", err)
	}

	archive, err := m.Collect(s.ID)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if archive.Reason != types.TerminationLimitReached || archive.Exchanges != 3 {
		t.Errorf("archive = %+v", archive)
	}
	if m.Count() != 0 {
		t.Errorf("sessions remaining after collect: %d", m.Count())
	}
}

func TestWithholdingNeverOnFinalExchange(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 4, 4
	cfg.DisengageStartMin, cfg.DisengageStartMax = 1, 1
	cfg.DisengageProbMin, cfg.DisengageProbMax = 1, 1 // always withhold when allowed
	gen := &stubGenerator{reply: "mm"}
	m, _ := newTestManager(cfg, gen)
	s := m.Create("user-1", "mysterious-dark")

	// Exchanges 1 and 2 fall in the withhold window; exchange 3 is the
	// penultimate one and must get a response; exchange 4 hits the limit.
	kinds := make([]ReplyKind, 0, 4)
	for i := 0; i < 4; i++ {
		reply, err := m.SendMessage(context.Background(), s.ID, "what are you thinking about right now?")
		if err != nil {
			t.Fatalf("message %d failed: %v", i+1, err)
		}
		kinds = append(kinds, reply.Kind)
	}

	want := []ReplyKind{ReplyWithheld, ReplyWithheld, ReplyResponded, ReplyTerminated}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("exchange %d kind = %s, want %s (all: %v)", i+1, kinds[i], want[i], kinds)
		}
	}

	archive, _ := m.Collect(s.ID)
	if archive.Ignored != 2 {
		t.Errorf("ignored count = %d, want 2", archive.Ignored)
	}
}

func TestWithheldExchangeLeavesEngagementAlone(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 6, 6
	cfg.DisengageStartMin, cfg.DisengageStartMax = 1, 1
	cfg.DisengageProbMin, cfg.DisengageProbMax = 1, 1 // always withhold when allowed
	m, _ := newTestManager(cfg, &stubGenerator{reply: "oh nice!"})
	s := m.Create("user-1", "energetic-fun")
	before := s.Engagement

	reply, err := m.SendMessage(context.Background(), s.ID, "I just got back from a concert and it was incredible!")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Kind != ReplyWithheld {
		t.Fatalf("kind = %s, want withheld", reply.Kind)
	}
	if s.Engagement != before {
		t.Errorf("withheld exchange moved engagement: before=%d after=%d", before, s.Engagement)
	}
}

func TestEngagementShiftsOnlyWhenAnswered(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 8, 8
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	gen := &stubGenerator{broken: true}
	m, _ := newTestManager(cfg, gen)
	s := m.Create("user-1", "supportive-caring")
	before := s.Engagement

	// A degraded (generator-failure) exchange is withheld and must not move
	// the score either.
	if _, err := m.SendMessage(context.Background(), s.ID, "so tell me, what do you do for fun around here?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if s.Engagement != before {
		t.Errorf("degraded exchange moved engagement: before=%d after=%d", before, s.Engagement)
	}

	gen.broken = false
	gen.reply = "mostly hiking, honestly"
	if _, err := m.SendMessage(context.Background(), s.ID, "that sounds amazing, where do you usually go?!"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if want := before + 1; s.Engagement != want {
		t.Errorf("answered enthusiastic message: engagement = %d, want %d", s.Engagement, want)
	}
}

func TestSustainedLowEffortTerminatesEarly(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 8, 8
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	m, _ := newTestManager(cfg, &stubGenerator{reply: "oh ok"})
	s := m.Create("user-1", "supportive-caring")

	var last Reply
	for _, msg := range []string{"k", "ok", "lol"} {
		reply, err := m.SendMessage(context.Background(), s.ID, msg)
		if err != nil {
			t.Fatalf("SendMessage(%q) failed: %v", msg, err)
		}
		last = reply
	}
	if last.Kind != ReplyTerminated || last.Reason != types.TerminationDisengaged {
		t.Errorf("final reply = %+v, want disengaged termination", last)
	}
}

func TestEngagedUserIsNotCutOffEarly(t *testing.T) {
	cfg := testAIConfig()
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 8, 8
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	m, _ := newTestManager(cfg, &stubGenerator{reply: "totally!"})
	s := m.Create("user-1", "energetic-fun")

	// A low-effort run broken by a real message resets the counter.
	for _, msg := range []string{"k", "ok", "actually I went hiking this weekend, it was amazing!", "k", "ok"} {
		reply, err := m.SendMessage(context.Background(), s.ID, msg)
		if err != nil {
			t.Fatalf("SendMessage(%q) failed: %v", msg, err)
		}
		if reply.Kind == ReplyTerminated {
			t.Fatalf("terminated early on %q: %+v", msg, reply)
		}
	}
}

func TestDurationCapEndsSession(t *testing.T) {
	cfg := testAIConfig()
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	m, clock := newTestManager(cfg, &stubGenerator{reply: "hi"})
	s := m.Create("user-1", "flirty-romantic")

	*clock = clock.Add(cfg.MaxDuration + time.Minute)

	reply, err := m.SendMessage(context.Background(), s.ID, "still there?")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Kind != ReplyTerminated || reply.Reason != types.TerminationDuration {
		t.Errorf("reply = %+v, want duration_cap termination", reply)
	}
}

func TestExpiredListsOnlyOverdueSessions(t *testing.T) {
	cfg := testAIConfig()
	m, clock := newTestManager(cfg, &stubGenerator{reply: "hi"})
	old := m.Create("user-old", "anime-kawaii")
	*clock = clock.Add(cfg.MaxDuration + time.Second)
	m.Create("user-new", "anime-kawaii")

	expired := m.Expired()
	if len(expired) != 1 || expired[0] != old.ID {
		t.Errorf("Expired = %v, want [%s]", expired, old.ID)
	}
}

func TestTerminateExternally(t *testing.T) {
	m, _ := newTestManager(testAIConfig(), &stubGenerator{reply: "hi"})
	s := m.Create("user-1", "sassy-confident")

	archive, err := m.Terminate(s.ID, types.TerminationLeft)
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if archive.Reason != types.TerminationLeft {
		t.Errorf("reason = %s, want participant_left", archive.Reason)
	}
	if m.Count() != 0 {
		t.Error("terminated session not removed")
	}
	if _, err := m.Terminate(s.ID, types.TerminationLeft); err != ErrUnknownSession {
		t.Errorf("double terminate: got %v, want ErrUnknownSession", err)
	}
}

func TestGeneratorFailureDegradesToWithheld(t *testing.T) {
	cfg := testAIConfig()
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	gen := &stubGenerator{broken: true}
	m, _ := newTestManager(cfg, gen)
	s := m.Create("user-1", "supportive-caring")

	reply, err := m.SendMessage(context.Background(), s.ID, "hello there, anyone home?")
	if err != nil {
		t.Fatalf("SendMessage surfaced generator error: %v", err)
	}
	if reply.Kind != ReplyWithheld {
		t.Errorf("kind = %s, want withheld on generator failure", reply.Kind)
	}

	// The session survives: a later message works once the generator recovers.
	gen.broken = false
	gen.reply = "sorry, got distracted"
	reply, err = m.SendMessage(context.Background(), s.ID, "you still there?")
	if err != nil {
		t.Fatalf("recovery send failed: %v", err)
	}
	if reply.Kind != ReplyResponded {
		t.Errorf("recovery kind = %s, want responded", reply.Kind)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testAIConfig()
	cfg.HistoryLimit = 6
	cfg.ResponseLimitMin, cfg.ResponseLimitMax = 50, 50
	cfg.DisengageProbMin, cfg.DisengageProbMax = 0, 0
	cfg.LowEffortThreshold = 100
	m, _ := newTestManager(cfg, &stubGenerator{reply: "interesting, tell me more"})
	s := m.Create("user-1", "mysterious-dark")

	for i := 0; i < 10; i++ {
		if _, err := m.SendMessage(context.Background(), s.ID, "here is another long and thoughtful message"); err != nil {
			t.Fatalf("message %d failed: %v", i+1, err)
		}
	}

	if got := len(s.History()); got != 6 {
		t.Errorf("history length = %d, want capped at 6", got)
	}
}

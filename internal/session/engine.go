// Package session manages AI conversation sessions: per-session response
// budgets drawn at creation, engagement tracking over the user's messages,
// probabilistic response withholding, and the termination rules that end a
// conversation naturally rather than abruptly.
package session

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatmatch/internal/config"
	"chatmatch/internal/persona"
	"chatmatch/pkg/interfaces"
	"chatmatch/pkg/types"
)

// ReplyKind classifies the outcome of one inbound message.
type ReplyKind string

const (
	ReplyResponded  ReplyKind = "responded"
	ReplyWithheld   ReplyKind = "withheld"
	ReplyTerminated ReplyKind = "terminated"
)

// Reply is the session engine's verdict on one user message. Text is set only
// for responded and limit-reached terminations (the persona sign-off).
type Reply struct {
	Kind      ReplyKind
	Text      string
	Reason    types.TerminationReason
	Exchanges int
}

// Session is one live AI conversation. The behavior profile fields are drawn
// once at creation so every conversation feels slightly different.
type Session struct {
	ID        string
	UserID    string
	PersonaID string
	StartedAt time.Time

	ExchangeCount int
	IgnoredCount  int

	// Behavior profile, fixed at creation.
	ResponseLimit  int
	DisengageStart int
	DisengageProb  float64

	// Engagement is bounded to [1,5] and shifts with the user's effort.
	Engagement int

	lowEffortRun int
	ended        bool
	reason       types.TerminationReason
	history      []types.ChatMessage
}

// Manager owns the live session table. The generator is called outside the
// manager lock; everything else happens under it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      *config.AIChatConfig
	gen      interfaces.Generator
	rng      *rand.Rand
	now      func() time.Time
}

// NewManager creates a session manager. rng drives the per-session behavior
// draws and withhold rolls; seed it for deterministic tests. now may be nil,
// defaulting to time.Now.
func NewManager(cfg *config.AIChatConfig, gen interfaces.Generator, rng *rand.Rand, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		gen:      gen,
		rng:      rng,
		now:      now,
	}
}

// intBetween draws uniformly from [min,max] inclusive.
func (m *Manager) intBetween(min, max int) int {
	if max <= min {
		return min
	}
	return min + m.rng.Intn(max-min+1)
}

// Create starts a session for userID against personaID and returns it. The
// response limit, disengagement window and withhold probability are drawn
// from the configured ranges; engagement starts mid-scale.
func (m *Manager) Create(userID, personaID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		PersonaID:      personaID,
		StartedAt:      m.now(),
		ResponseLimit:  m.intBetween(m.cfg.ResponseLimitMin, m.cfg.ResponseLimitMax),
		DisengageStart: m.intBetween(m.cfg.DisengageStartMin, m.cfg.DisengageStartMax),
		DisengageProb:  m.cfg.DisengageProbMin + m.rng.Float64()*(m.cfg.DisengageProbMax-m.cfg.DisengageProbMin),
		Engagement:     2 + m.rng.Intn(3),
	}
	m.sessions[s.ID] = s

	log.Printf("Session created: session=%s user=%s persona=%s limit=%d", s.ID, userID, personaID, s.ResponseLimit)
	return s
}

// Get returns the live session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SendMessage processes one user message through the session: it records the
// message, tracks the user's effort, and decides between responding,
// withholding, or terminating. The engagement score moves only on exchanges
// the persona actually answers; a withheld exchange leaves it untouched. The
// response generator runs outside the manager lock.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (Reply, error) {
	if err := types.ValidateMessageContent(content); err != nil {
		return Reply{}, err
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Reply{}, ErrUnknownSession
	}
	if s.ended {
		m.mu.Unlock()
		return Reply{}, ErrSessionEnded
	}

	now := m.now()
	s.appendHistory(types.ChatMessage{Role: "user", Content: content, Timestamp: now}, m.cfg.HistoryLimit)
	s.ExchangeCount++
	lowEffort := s.markEffort(content)

	// Duration cap is enforced inline as well as by the periodic sweep, so a
	// message on a long-idle session ends it immediately.
	if now.Sub(s.StartedAt) >= m.cfg.MaxDuration {
		reply := m.terminateLocked(s, types.TerminationDuration, "")
		m.mu.Unlock()
		return reply, nil
	}

	// Sustained low-effort ends the conversation early, after a couple of
	// exchanges of grace.
	if s.lowEffortRun >= m.cfg.LowEffortThreshold && s.ExchangeCount > 2 {
		reply := m.terminateLocked(s, types.TerminationDisengaged, "")
		m.mu.Unlock()
		return reply, nil
	}

	if s.ExchangeCount >= s.ResponseLimit {
		reply := m.terminateLocked(s, types.TerminationLimitReached, persona.SignOff(s.PersonaID))
		m.mu.Unlock()
		return reply, nil
	}

	// The persona may ignore a message once the disengagement window opens.
	// Never on the final exchange: the conversation always closes with the
	// sign-off, not silence.
	if s.ExchangeCount >= s.DisengageStart && s.ExchangeCount < s.ResponseLimit-1 &&
		m.rng.Float64() < s.DisengageProb {
		s.IgnoredCount++
		exchanges := s.ExchangeCount
		m.mu.Unlock()
		return Reply{Kind: ReplyWithheld, Exchanges: exchanges}, nil
	}

	// Snapshot what the generator needs, then release the lock for the call.
	history := make([]types.ChatMessage, len(s.history))
	copy(history, s.history)
	personaID := s.PersonaID
	engagement := s.Engagement
	exchanges := s.ExchangeCount
	m.mu.Unlock()

	text, err := m.gen.Generate(ctx, history, personaID, engagement)
	if err != nil {
		// Generation failure degrades to a withheld response; the session
		// stays live and the next message gets another chance.
		log.Printf("Session generate failed: session=%s error=%v", sessionID, err)
		return Reply{Kind: ReplyWithheld, Exchanges: exchanges}, nil
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && !s.ended {
		s.appendHistory(types.ChatMessage{Role: "partner", Content: text, Timestamp: m.now()}, m.cfg.HistoryLimit)
		s.shiftEngagement(content, lowEffort)
	}
	m.mu.Unlock()

	return Reply{Kind: ReplyResponded, Text: text, Exchanges: exchanges}, nil
}

// Terminate ends a session for an external reason (the user left, or the
// duration sweep fired) and returns its archive record.
func (m *Manager) Terminate(sessionID string, reason types.TerminationReason) (*types.SessionArchive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	m.terminateLocked(s, reason, "")
	return m.collectLocked(sessionID)
}

// Collect removes a terminated session and returns its archive record. Called
// after SendMessage reports a termination, so the caller controls when the
// record is built relative to its own notifications.
func (m *Manager) Collect(sessionID string) (*types.SessionArchive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked(sessionID)
}

func (m *Manager) collectLocked(sessionID string) (*types.SessionArchive, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	delete(m.sessions, sessionID)

	return &types.SessionArchive{
		SessionID: s.ID,
		UserID:    s.UserID,
		PersonaID: s.PersonaID,
		Exchanges: s.ExchangeCount,
		Ignored:   s.IgnoredCount,
		Reason:    s.reason,
		StartedAt: s.StartedAt,
		EndedAt:   m.now(),
		History:   s.history,
	}, nil
}

// Expired returns the ids of live sessions older than the duration cap.
func (m *Manager) Expired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for id, s := range m.sessions {
		if !s.ended && now.Sub(s.StartedAt) >= m.cfg.MaxDuration {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) terminateLocked(s *Session, reason types.TerminationReason, signOff string) Reply {
	s.ended = true
	s.reason = reason
	if signOff != "" {
		s.appendHistory(types.ChatMessage{Role: "partner", Content: signOff, Timestamp: m.now()}, m.cfg.HistoryLimit)
	}

	log.Printf("Session terminated: session=%s user=%s reason=%s exchanges=%d ignored=%d",
		s.ID, s.UserID, reason, s.ExchangeCount, s.IgnoredCount)
	return Reply{Kind: ReplyTerminated, Text: signOff, Reason: reason, Exchanges: s.ExchangeCount}
}

func (s *Session) appendHistory(msg types.ChatMessage, limit int) {
	s.history = append(s.history, msg)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// History returns a copy of the session's bounded message history.
func (s *Session) History() []types.ChatMessage {
	out := make([]types.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

var lowEffortWords = map[string]bool{
	"k": true, "kk": true, "ok": true, "lol": true, "lmao": true,
	"hm": true, "hmm": true, "idk": true, "meh": true, "sure": true,
	"yeah": true, "yea": true, "nah": true, "no": true, "yes": true,
}

// markEffort classifies the message and tracks the consecutive low-effort
// run. The engagement shift is applied separately, only on exchanges the
// persona responds to.
func (s *Session) markEffort(content string) bool {
	trimmed := strings.TrimSpace(content)
	lowEffort := len(trimmed) < 4 || lowEffortWords[strings.ToLower(trimmed)]
	if lowEffort {
		s.lowEffortRun++
	} else {
		s.lowEffortRun = 0
	}
	return lowEffort
}

// shiftEngagement moves the engagement score for an answered message.
// Engagement stays in [1,5].
func (s *Session) shiftEngagement(content string, lowEffort bool) {
	trimmed := strings.TrimSpace(content)
	if lowEffort {
		s.Engagement--
	} else if len(trimmed) > 50 || strings.ContainsAny(trimmed, "?!") {
		s.Engagement++
	}

	if s.Engagement < 1 {
		s.Engagement = 1
	}
	if s.Engagement > 5 {
		s.Engagement = 5
	}
}

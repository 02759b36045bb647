// Package queue implements the matching queue store: a FIFO of waiting users
// plus the keyed table of everyone the engine tracks, guarded by one mutex so
// join, leave, match, timeout and disconnect operations never interleave
// inconsistently. The store holds no I/O; callers notify clients and touch
// persistence outside its critical sections.
package queue

import (
	"log"
	"sync"
	"time"

	"chatmatch/pkg/interfaces"
	"chatmatch/pkg/types"
)

// Statuses returned by Enqueue.
const (
	StatusJoined      = "joined"
	StatusReconnected = "reconnected"
)

type entry struct {
	user *types.QueueUser
	conn interfaces.ClientConn
}

// Store is the queue engine's single source of truth. Every exported method
// is one atomic operation under the store mutex.
type Store struct {
	mu    sync.Mutex
	fifo  []string          // waiting user ids in arrival order
	users map[string]*entry // all tracked users
	pairs map[string]string // userID -> partnerID, symmetric
	now   func() time.Time
}

// NewStore creates an empty store. now may be nil, defaulting to time.Now;
// tests inject a fake clock through it.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		users: make(map[string]*entry),
		pairs: make(map[string]string),
		now:   now,
	}
}

// Enqueue adds a user to the queue, returning their 1-based position. A user
// reconnecting within their grace window resumes with the original JoinedAt
// so wait-time accounting continues; anyone else replaces any stale entry
// and starts fresh at the tail. When joining dissolves a match the user was
// still linked to, the surviving partner requeue is returned for
// notification.
func (s *Store) Enqueue(userID string, conn interfaces.ClientConn, prefs types.Preferences) (types.JoinResult, *PartnerRequeue, error) {
	if !types.IsValidUserID(userID) {
		return types.JoinResult{}, nil, types.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stalePartner *PartnerRequeue

	if e, exists := s.users[userID]; exists {
		if e.user.State == types.StateDisconnected && e.user.Grace != nil && now.Before(e.user.Grace.Until) {
			// Grace resume: original state is discarded, the user re-enters
			// the FIFO at the tail, but JoinedAt is preserved.
			partner := s.detachPartnerLocked(userID)
			e.conn = conn
			e.user.State = types.StateWaiting
			e.user.Grace = nil
			e.user.Match = nil
			e.user.AIChat = nil
			s.fifo = append(s.fifo, userID)

			log.Printf("Queue resume: user=%s position=%d wait=%s", userID, len(s.fifo), now.Sub(e.user.JoinedAt))
			return types.JoinResult{
				Status:   StatusReconnected,
				Position: len(s.fifo),
				WaitTime: now.Sub(e.user.JoinedAt),
			}, partner, nil
		}
		// Stale or duplicate entry: drop it and start over.
		_, stalePartner = s.removeLocked(userID)
	}

	s.users[userID] = &entry{
		user: &types.QueueUser{
			UserID:      userID,
			JoinedAt:    now,
			State:       types.StateWaiting,
			Preferences: prefs,
		},
		conn: conn,
	}
	s.fifo = append(s.fifo, userID)

	log.Printf("Queue join: user=%s position=%d queue_size=%d", userID, len(s.fifo), len(s.fifo))
	return types.JoinResult{Status: StatusJoined, Position: len(s.fifo)}, stalePartner, nil
}

// PartnerRequeue describes the surviving side of a destroyed match: the
// partner is placed back at the FIFO tail with a fresh JoinedAt and the
// caller owes them a notification.
type PartnerRequeue struct {
	UserID   string
	Conn     interfaces.ClientConn
	Position int
}

// Remove deletes a user from the store: from the FIFO if waiting, and from
// the matched-pairs map symmetrically. It is idempotent; removing an absent
// user reports false. A surviving matched partner is auto-requeued and
// returned so the caller can deliver the partner_left notification.
func (s *Store) Remove(userID string) (bool, *PartnerRequeue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(userID)
}

func (s *Store) removeLocked(userID string) (bool, *PartnerRequeue) {
	e, exists := s.users[userID]
	if !exists {
		return false, nil
	}

	if e.user.State == types.StateWaiting {
		s.dropFromFIFOLocked(userID)
	}
	partner := s.detachPartnerLocked(userID)
	delete(s.users, userID)

	log.Printf("Queue remove: user=%s queue_size=%d active=%d", userID, len(s.fifo), s.activeCountLocked())
	return true, partner
}

// detachPartnerLocked clears both sides of a match involving userID. A
// surviving connected partner is requeued at the tail with a fresh JoinedAt;
// a disconnected partner keeps their grace entry but loses the linkage.
func (s *Store) detachPartnerLocked(userID string) *PartnerRequeue {
	partnerID, paired := s.pairs[userID]
	if !paired {
		return nil
	}
	delete(s.pairs, userID)
	delete(s.pairs, partnerID)

	p, exists := s.users[partnerID]
	if !exists {
		return nil
	}
	p.user.Match = nil

	if p.user.State == types.StateDisconnected {
		// Partner is in their grace window; the reaper or a reconnect
		// settles them. No requeue while there is no live connection.
		return nil
	}

	p.user.State = types.StateWaiting
	p.user.JoinedAt = s.now()
	s.fifo = append(s.fifo, partnerID)

	log.Printf("Partner requeued: user=%s position=%d (match partner left)", partnerID, len(s.fifo))
	return &PartnerRequeue{UserID: partnerID, Conn: p.conn, Position: len(s.fifo)}
}

func (s *Store) dropFromFIFOLocked(userID string) {
	for i, id := range s.fifo {
		if id == userID {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			return
		}
	}
}

// MatchResult describes a committed pairing of the two longest-waiting users.
type MatchResult struct {
	User1, User2 string
	Conn1, Conn2 interfaces.ClientConn
	SessionID    string
	Wait1, Wait2 time.Duration
}

// MatchFrontPair atomically pops the two front-most waiting users and
// commits them as a match under sessionID. If either user vanished in a race
// with a removal, survivors are pushed back to the front in their original
// relative order and no match is reported; the next sweep retries. A match
// is never partially committed.
func (s *Store) MatchFrontPair(sessionID string) (*MatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fifo) < 2 {
		return nil, false
	}

	id1, id2 := s.fifo[0], s.fifo[1]
	s.fifo = s.fifo[2:]

	e1, ok1 := s.users[id1]
	e2, ok2 := s.users[id2]
	if !ok1 || !ok2 || e1.user.State != types.StateWaiting || e2.user.State != types.StateWaiting {
		// Push survivors back to the front, keeping arrival order.
		var front []string
		if ok1 && e1.user.State == types.StateWaiting {
			front = append(front, id1)
		}
		if ok2 && e2.user.State == types.StateWaiting {
			front = append(front, id2)
		}
		s.fifo = append(front, s.fifo...)
		return nil, false
	}

	now := s.now()
	e1.user.State = types.StateMatched
	e2.user.State = types.StateMatched
	e1.user.Match = &types.MatchInfo{PartnerID: id2, SessionID: sessionID, MatchedAt: now}
	e2.user.Match = &types.MatchInfo{PartnerID: id1, SessionID: sessionID, MatchedAt: now}
	s.pairs[id1] = id2
	s.pairs[id2] = id1

	log.Printf("Queue match: user1=%s user2=%s session=%s queue_size=%d", id1, id2, sessionID, len(s.fifo))
	return &MatchResult{
		User1: id1, User2: id2,
		Conn1: e1.conn, Conn2: e2.conn,
		SessionID: sessionID,
		Wait1:     now.Sub(e1.user.JoinedAt),
		Wait2:     now.Sub(e2.user.JoinedAt),
	}, true
}

// TimedOutWaiters returns the ids of waiting users whose elapsed wait has
// reached threshold, front-most first. The result is advisory: callers must
// re-validate through ClaimFallback, which wins or loses the race against
// concurrent matches and removals atomically.
func (s *Store) TimedOutWaiters(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []string
	for _, id := range s.fifo {
		if e, ok := s.users[id]; ok && now.Sub(e.user.JoinedAt) >= threshold {
			out = append(out, id)
		}
	}
	return out
}

// FallbackClaim is a user pulled off the FIFO for AI fallback. The claim
// holds no session yet; the caller either binds one with BindAISession or
// rolls back with ReleaseFallback.
type FallbackClaim struct {
	UserID      string
	Conn        interfaces.ClientConn
	Preferences types.Preferences
	Waited      time.Duration
}

// ClaimFallback transitions a waiting user to ai_chat: off the FIFO, exchange
// count zeroed, start time stamped. It fails with ErrNotWaiting if the user
// was matched, removed or disconnected since the timeout decision was made.
func (s *Store) ClaimFallback(userID string) (*FallbackClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return nil, ErrNotTracked
	}
	if e.user.State != types.StateWaiting {
		return nil, ErrNotWaiting
	}

	now := s.now()
	s.dropFromFIFOLocked(userID)
	e.user.State = types.StateAIChat
	e.user.AIChat = &types.AIChatInfo{StartedAt: now}

	log.Printf("Fallback claim: user=%s waited=%s queue_size=%d", userID, now.Sub(e.user.JoinedAt), len(s.fifo))
	return &FallbackClaim{
		UserID:      userID,
		Conn:        e.conn,
		Preferences: e.user.Preferences,
		Waited:      now.Sub(e.user.JoinedAt),
	}, nil
}

// BindAISession attaches the created conversation session to a claimed user.
func (s *Store) BindAISession(userID, sessionID, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return ErrNotTracked
	}
	if e.user.State != types.StateAIChat || e.user.AIChat == nil {
		return ErrNotInAIChat
	}
	if e.user.AIChat.SessionID != "" {
		return ErrSessionBound
	}

	e.user.AIChat.SessionID = sessionID
	e.user.AIChat.PersonaID = personaID
	return nil
}

// ReleaseFallback rolls a claimed user back to waiting after session
// creation failed. JoinedAt is preserved and the user re-enters at the FIFO
// front, so the next timeout sweep retries immediately. A user is never left
// in ai_chat without a backing session.
func (s *Store) ReleaseFallback(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return ErrNotTracked
	}
	if e.user.State != types.StateAIChat {
		return ErrNotInAIChat
	}

	e.user.State = types.StateWaiting
	e.user.AIChat = nil
	s.fifo = append([]string{userID}, s.fifo...)

	log.Printf("Fallback released: user=%s requeued at front", userID)
	return nil
}

// IncrementAIExchanges bumps the ai_chat exchange counter mirrored on the
// queue entry and returns the new count.
func (s *Store) IncrementAIExchanges(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return 0, ErrNotTracked
	}
	if e.user.State != types.StateAIChat || e.user.AIChat == nil {
		return 0, ErrNotInAIChat
	}

	e.user.AIChat.Exchanges++
	return e.user.AIChat.Exchanges, nil
}

// RequeueFromAIChat moves an ai_chat user back to waiting at the FIFO tail
// with a fresh JoinedAt and zeroed exchange accounting.
func (s *Store) RequeueFromAIChat(userID string) (int, interfaces.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return 0, nil, ErrNotTracked
	}
	if e.user.State != types.StateAIChat {
		return 0, nil, ErrNotInAIChat
	}

	e.user.State = types.StateWaiting
	e.user.AIChat = nil
	e.user.JoinedAt = s.now()
	s.fifo = append(s.fifo, userID)

	log.Printf("Requeue after AI chat: user=%s position=%d", userID, len(s.fifo))
	return len(s.fifo), e.conn, nil
}

// Disconnect marks a tracked user disconnected until graceUntil. A waiting
// user leaves the FIFO; a matched user keeps the pair linkage for the grace
// window so a fast reconnect settles cleanly.
func (s *Store) Disconnect(userID string, graceUntil time.Time) (types.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return "", ErrNotTracked
	}

	prior := e.user.State
	if prior == types.StateWaiting {
		s.dropFromFIFOLocked(userID)
	}
	e.user.State = types.StateDisconnected
	e.user.Grace = &types.GraceInfo{Until: graceUntil, PriorState: prior}
	e.user.AIChat = nil

	log.Printf("Queue disconnect: user=%s prior=%s grace_until=%s", userID, prior, graceUntil.Format(time.RFC3339))
	return prior, nil
}

// Reaped describes one user removed by the stale-disconnect sweep.
type Reaped struct {
	UserID  string
	Partner *PartnerRequeue
}

// ReapStale removes every disconnected user whose grace window has passed.
func (s *Store) ReapStale() []Reaped {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stale []string
	for id, e := range s.users {
		if e.user.State == types.StateDisconnected && e.user.Grace != nil && !now.Before(e.user.Grace.Until) {
			stale = append(stale, id)
		}
	}

	var out []Reaped
	for _, id := range stale {
		_, partner := s.removeLocked(id)
		out = append(out, Reaped{UserID: id, Partner: partner})
		log.Printf("Reaped stale disconnect: user=%s", id)
	}
	return out
}

// PositionOf returns the user's 1-based FIFO position, or 0 if not waiting.
func (s *Store) PositionOf(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(userID)
}

func (s *Store) positionLocked(userID string) int {
	for i, id := range s.fifo {
		if id == userID {
			return i + 1
		}
	}
	return 0
}

// Status reports the queue-side view of one user.
func (s *Store) Status(userID string) (types.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.users[userID]
	if !exists {
		return types.UserStatus{}, ErrNotTracked
	}

	status := types.UserStatus{
		State:    e.user.State,
		WaitTime: s.now().Sub(e.user.JoinedAt),
	}
	switch e.user.State {
	case types.StateWaiting:
		status.Position = s.positionLocked(userID)
	case types.StateMatched:
		status.PartnerID = e.user.Match.PartnerID
		status.SessionID = e.user.Match.SessionID
	case types.StateAIChat:
		status.SessionID = e.user.AIChat.SessionID
		status.Exchanges = e.user.AIChat.Exchanges
	}
	return status, nil
}

// Conn returns the live connection ref for a tracked user, or nil.
func (s *Store) Conn(userID string) interfaces.ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.users[userID]; exists {
		return e.conn
	}
	return nil
}

// User returns a copy of the tracked record for userID.
func (s *Store) User(userID string) (types.QueueUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.users[userID]
	if !exists {
		return types.QueueUser{}, ErrNotTracked
	}
	return *e.user, nil
}

// ActiveCount counts waiting, matched and ai_chat users. Disconnected users
// sit out until they reconnect or get reaped.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *Store) activeCountLocked() int {
	count := 0
	for _, e := range s.users {
		switch e.user.State {
		case types.StateWaiting, types.StateMatched, types.StateAIChat:
			count++
		}
	}
	return count
}

// QueueSize returns the number of waiting users.
func (s *Store) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifo)
}

// Stats returns a point-in-time snapshot of the store.
func (s *Store) Stats() types.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.QueueStats{
		QueueSize:    len(s.fifo),
		MatchedPairs: len(s.pairs) / 2,
		TotalUsers:   len(s.users),
	}
	for _, e := range s.users {
		switch e.user.State {
		case types.StateWaiting:
			stats.Waiting++
		case types.StateMatched:
			stats.Matched++
		case types.StateAIChat:
			stats.AIChat++
		case types.StateDisconnected:
			stats.Disconnected++
		}
	}
	stats.ActiveCount = stats.Waiting + stats.Matched + stats.AIChat
	return stats
}

// Package engine is the coordination point of the matching service: it owns
// the queue store, the AI session manager and the periodic sweeps, and turns
// their state changes into client notifications, metrics and persistence
// writes. All I/O happens outside the store's critical sections.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatmatch/internal/config"
	"chatmatch/internal/monitoring"
	"chatmatch/internal/persona"
	"chatmatch/internal/queue"
	"chatmatch/internal/session"
	"chatmatch/pkg/interfaces"
	"chatmatch/pkg/types"
)

// Broadcaster pushes an event to every connected client. The engine uses it
// for active-count updates; nil disables them.
type Broadcaster interface {
	Broadcast(event string, payload any) int
}

// Engine drives the queue lifecycle. Construct with NewEngine, then Start to
// launch the sweeps and Stop to drain them.
type Engine struct {
	store    *queue.Store
	sessions *session.Manager
	personas *persona.Catalog
	kv       interfaces.Store
	archiver interfaces.Archiver
	metrics  *monitoring.Metrics
	caster   Broadcaster
	cfg      *config.Config
	now      func() time.Time

	running  bool
	mu       sync.RWMutex
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewEngine wires the engine's collaborators. kv and archiver are best-effort
// sinks; caster may be nil. now may be nil, defaulting to time.Now.
func NewEngine(cfg *config.Config, sessions *session.Manager, personas *persona.Catalog,
	kv interfaces.Store, archiver interfaces.Archiver, metrics *monitoring.Metrics,
	caster Broadcaster, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    queue.NewStore(now),
		sessions: sessions,
		personas: personas,
		kv:       kv,
		archiver: archiver,
		metrics:  metrics,
		caster:   caster,
		cfg:      cfg,
		now:      now,
		shutdown: make(chan struct{}),
	}
}

// Start launches the matcher, timeout and reaper sweeps.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	log.Println("Starting matching engine...")

	e.wg.Add(3)
	go e.matchLoop(ctx)
	go e.timeoutLoop(ctx)
	go e.reaperLoop(ctx)

	return nil
}

// Stop signals the sweeps and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	e.mu.Unlock()

	log.Println("Stopping matching engine...")
	close(e.shutdown)
	e.wg.Wait()
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Join adds or resumes a user in the matching queue and acknowledges over
// their connection.
func (e *Engine) Join(ctx context.Context, userID string, conn interfaces.ClientConn, prefs types.Preferences) (types.JoinResult, error) {
	if !e.isRunning() {
		return types.JoinResult{}, ErrNotRunning
	}

	result, partner, err := e.store.Enqueue(userID, conn, prefs)
	if err != nil {
		return types.JoinResult{}, err
	}

	e.notifyPartnerRequeued(partner)
	e.sendTo(conn, types.EventQueueJoined, map[string]any{
		"status":    result.Status,
		"position":  result.Position,
		"wait_time": result.WaitTime.Seconds(),
	})

	e.recordEvent(ctx, "queue_joined", userID, "", map[string]any{"status": result.Status})
	e.mirrorUser(ctx, userID)
	e.publishCounts()
	return result, nil
}

// Leave removes a user entirely: any AI session ends as participant_left, a
// surviving human partner is requeued and notified.
func (e *Engine) Leave(ctx context.Context, userID string) error {
	if !e.isRunning() {
		return ErrNotRunning
	}

	user, err := e.store.User(userID)
	if err == nil && user.State == types.StateAIChat && user.AIChat != nil && user.AIChat.SessionID != "" {
		e.endAISession(ctx, user.AIChat.SessionID, types.TerminationLeft)
	}

	removed, partner := e.store.Remove(userID)
	if !removed {
		return nil
	}

	e.notifyPartnerRequeued(partner)
	e.recordEvent(ctx, "queue_left", userID, "", nil)
	e.unmirrorUser(ctx, userID)
	e.publishCounts()
	return nil
}

// HandleDisconnect marks a dropped connection. The user keeps a reconnect
// grace window; an AI conversation in flight ends immediately since the
// reconnect resumes as waiting either way. During shutdown every socket
// drops at once; those are not disconnects, so a stopped engine ignores
// them.
func (e *Engine) HandleDisconnect(userID string) {
	if !e.isRunning() {
		return
	}
	ctx := context.Background()

	user, err := e.store.User(userID)
	if err == nil && user.State == types.StateAIChat && user.AIChat != nil && user.AIChat.SessionID != "" {
		e.endAISession(ctx, user.AIChat.SessionID, types.TerminationLeft)
	}

	graceUntil := e.now().Add(e.cfg.Queue.GracePeriod)
	if _, err := e.store.Disconnect(userID, graceUntil); err != nil {
		return
	}

	e.recordEvent(ctx, "disconnected", userID, "", nil)
	e.mirrorUser(ctx, userID)
	e.publishCounts()
}

// SendMessage routes one chat message from userID: relayed to the human
// partner when matched, or through the AI session when in fallback.
func (e *Engine) SendMessage(ctx context.Context, userID, content string) error {
	if !e.isRunning() {
		return ErrNotRunning
	}
	if err := types.ValidateMessageContent(content); err != nil {
		return err
	}

	user, err := e.store.User(userID)
	if err != nil {
		return err
	}

	switch user.State {
	case types.StateMatched:
		return e.relayToPartner(ctx, &user, content)
	case types.StateAIChat:
		return e.relayToAI(ctx, &user, content)
	default:
		return ErrNotInChat
	}
}

func (e *Engine) relayToPartner(ctx context.Context, user *types.QueueUser, content string) error {
	partnerConn := e.store.Conn(user.Match.PartnerID)
	if partnerConn == nil {
		e.metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return nil
	}

	e.sendTo(partnerConn, types.EventPartnerMessage, map[string]any{
		"session_id": user.Match.SessionID,
		"content":    content,
		"timestamp":  e.now().UTC(),
	})
	e.metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}

func (e *Engine) relayToAI(ctx context.Context, user *types.QueueUser, content string) error {
	sessionID := user.AIChat.SessionID
	if sessionID == "" {
		return ErrNotInChat
	}

	reply, err := e.sessions.SendMessage(ctx, sessionID, content)
	if err != nil {
		if err == session.ErrUnknownSession || err == session.ErrSessionEnded {
			return ErrNotInChat
		}
		return err
	}

	if _, err := e.store.IncrementAIExchanges(user.UserID); err != nil {
		// The user left between the lookup and the reply; nothing to deliver.
		return nil
	}

	conn := e.store.Conn(user.UserID)
	switch reply.Kind {
	case session.ReplyResponded:
		e.sendTo(conn, types.EventPartnerMessage, map[string]any{
			"session_id": sessionID,
			"content":    reply.Text,
			"timestamp":  e.now().UTC(),
		})
		e.metrics.MessagesTotal.WithLabelValues("responded").Inc()

	case session.ReplyWithheld:
		e.metrics.MessagesTotal.WithLabelValues("withheld").Inc()

	case session.ReplyTerminated:
		e.metrics.MessagesTotal.WithLabelValues("terminated").Inc()
		if reply.Text != "" {
			e.sendTo(conn, types.EventPartnerMessage, map[string]any{
				"session_id": sessionID,
				"content":    reply.Text,
				"timestamp":  e.now().UTC(),
			})
		}
		e.archiveSession(ctx, sessionID)
		e.requeueAfterAI(ctx, user.UserID, sessionID, reply.Reason)
	}
	return nil
}

// requeueAfterAI moves a user whose AI conversation ended back into the
// waiting queue with fresh accounting.
func (e *Engine) requeueAfterAI(ctx context.Context, userID, sessionID string, reason types.TerminationReason) {
	position, conn, err := e.store.RequeueFromAIChat(userID)
	if err != nil {
		return
	}

	e.sendTo(conn, types.EventAIChatEnded, map[string]any{
		"session_id": sessionID,
		"reason":     string(reason),
	})
	e.sendTo(conn, types.EventQueueJoined, map[string]any{
		"status":   queue.StatusJoined,
		"position": position,
	})
	e.recordEvent(ctx, "ai_chat_ended", userID, sessionID, map[string]any{"reason": string(reason)})
	e.mirrorUser(ctx, userID)
	e.publishCounts()
}

// Status reports the queue-side view of one user.
func (e *Engine) Status(userID string) (types.UserStatus, error) {
	return e.store.Status(userID)
}

// Stats returns a snapshot of queue and session counts.
func (e *Engine) Stats() types.QueueStats {
	return e.store.Stats()
}

// ActiveCount counts users in waiting, matched or ai_chat state.
func (e *Engine) ActiveCount() int {
	return e.store.ActiveCount()
}

// matchLoop periodically pairs the two longest-waiting users until the queue
// has fewer than two.
func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Queue.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepMatches(ctx)
		case <-e.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepMatches(ctx context.Context) {
	for {
		match, ok := e.store.MatchFrontPair(uuid.New().String())
		if !ok {
			return
		}

		payload1 := map[string]any{"session_id": match.SessionID, "partner_id": match.User2}
		payload2 := map[string]any{"session_id": match.SessionID, "partner_id": match.User1}
		e.sendTo(match.Conn1, types.EventQueueMatched, payload1)
		e.sendTo(match.Conn2, types.EventQueueMatched, payload2)

		e.metrics.MatchesTotal.Inc()
		e.metrics.MatchWait.Observe(match.Wait1.Seconds())
		e.metrics.MatchWait.Observe(match.Wait2.Seconds())

		e.recordEvent(ctx, "queue_matched", match.User1, match.SessionID, map[string]any{"partner": match.User2})
		e.mirrorUser(ctx, match.User1)
		e.mirrorUser(ctx, match.User2)
		e.publishCounts()
	}
}

// timeoutLoop moves users past the wait threshold into AI fallback and ends
// AI sessions past the duration cap.
func (e *Engine) timeoutLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Queue.TimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepTimeouts(ctx)
			e.sweepExpiredSessions(ctx)
		case <-e.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepTimeouts(ctx context.Context) {
	for _, userID := range e.store.TimedOutWaiters(e.cfg.Queue.WaitTimeout) {
		e.startFallback(ctx, userID)
	}
}

// startFallback runs the claim/bind protocol: the user is pulled off the
// queue, a session is created and bound, and only then is the client told.
// If anything fails the claim is rolled back so the user never sits in
// ai_chat without a session.
func (e *Engine) startFallback(ctx context.Context, userID string) {
	claim, err := e.store.ClaimFallback(userID)
	if err != nil {
		// Lost the race to a match or a removal; nothing to do.
		return
	}

	personaID := e.personas.Select(claim.Preferences)
	sess := e.sessions.Create(userID, personaID)

	if err := e.store.BindAISession(userID, sess.ID, personaID); err != nil {
		log.Printf("Fallback bind failed: user=%s error=%v", userID, err)
		if _, terr := e.sessions.Terminate(sess.ID, types.TerminationLeft); terr != nil {
			log.Printf("Fallback session cleanup failed: session=%s error=%v", sess.ID, terr)
		}
		if rerr := e.store.ReleaseFallback(userID); rerr != nil {
			log.Printf("Fallback release failed: user=%s error=%v", userID, rerr)
		}
		return
	}

	profile := e.personas.ProfileFor(personaID, userID)
	e.sendTo(claim.Conn, types.EventQueueTimeout, map[string]any{
		"waited": claim.Waited.Seconds(),
	})
	e.sendTo(claim.Conn, types.EventAIChatStarted, map[string]any{
		"session_id": sess.ID,
		"partner":    profile,
	})

	e.metrics.FallbacksTotal.Inc()
	e.recordEvent(ctx, "ai_fallback", userID, sess.ID, map[string]any{"persona": personaID})
	e.mirrorUser(ctx, userID)
	e.publishCounts()
}

func (e *Engine) sweepExpiredSessions(ctx context.Context) {
	for _, sessionID := range e.sessions.Expired() {
		sess, err := e.sessions.Get(sessionID)
		if err != nil {
			continue
		}
		userID := sess.UserID
		e.endAISession(ctx, sessionID, types.TerminationDuration)
		e.requeueAfterAI(ctx, userID, sessionID, types.TerminationDuration)
	}
}

// reaperLoop removes disconnected users whose grace window has passed.
func (e *Engine) reaperLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Queue.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepStale(ctx)
		case <-e.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepStale(ctx context.Context) {
	reaped := e.store.ReapStale()
	for _, r := range reaped {
		e.notifyPartnerRequeued(r.Partner)
		e.metrics.ReapedTotal.Inc()
		e.recordEvent(ctx, "reaped", r.UserID, "", nil)
		e.unmirrorUser(ctx, r.UserID)
	}
	if len(reaped) > 0 {
		e.publishCounts()
	}
}

// endAISession terminates and archives a session for an external reason.
func (e *Engine) endAISession(ctx context.Context, sessionID string, reason types.TerminationReason) {
	archive, err := e.sessions.Terminate(sessionID, reason)
	if err != nil {
		return
	}
	e.persistArchive(ctx, archive)
}

// archiveSession collects a session that terminated itself during a message
// exchange.
func (e *Engine) archiveSession(ctx context.Context, sessionID string) {
	archive, err := e.sessions.Collect(sessionID)
	if err != nil {
		return
	}
	e.persistArchive(ctx, archive)
}

func (e *Engine) persistArchive(ctx context.Context, archive *types.SessionArchive) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.ArchiveSession(ctx, archive); err != nil {
		log.Printf("Session archive failed: session=%s error=%v", archive.SessionID, err)
	}
}

func (e *Engine) notifyPartnerRequeued(partner *queue.PartnerRequeue) {
	if partner == nil {
		return
	}
	e.sendTo(partner.Conn, types.EventPartnerLeft, map[string]any{
		"position": partner.Position,
	})
}

func (e *Engine) sendTo(conn interfaces.ClientConn, event string, payload any) {
	if conn == nil {
		return
	}
	if err := conn.Send(event, payload); err != nil {
		log.Printf("Notification failed: user=%s event=%s error=%v", conn.GetUserID(), event, err)
	}
}

// publishCounts refreshes the gauges and broadcasts the active count.
func (e *Engine) publishCounts() {
	stats := e.store.Stats()
	e.metrics.QueueLength.Set(float64(stats.QueueSize))
	e.metrics.ActiveUsers.Set(float64(stats.ActiveCount))
	e.metrics.LiveSessions.Set(float64(e.sessions.Count()))

	if e.caster != nil {
		e.caster.Broadcast(types.EventActiveCountUpdate, map[string]any{
			"active": stats.ActiveCount,
		})
	}
}

// recordEvent feeds the durable event log and the kv event mirror. The log
// write is queued without waiting so a sick database cannot stall queue
// operations; failures are logged and swallowed either way.
func (e *Engine) recordEvent(ctx context.Context, kind, userID, sessionID string, detail map[string]any) {
	event := &types.Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		SessionID: sessionID,
		Detail:    detail,
		Timestamp: e.now(),
	}

	if e.archiver != nil {
		e.archiver.SubmitEvent(event)
	}
	if e.kv != nil {
		if _, err := e.kv.Push(ctx, "events", event); err != nil {
			log.Printf("Event mirror write failed: kind=%s error=%v", kind, err)
		}
	}
}

// mirrorUser writes the user's queue record to the kv mirror, best effort.
func (e *Engine) mirrorUser(ctx context.Context, userID string) {
	if e.kv == nil {
		return
	}
	user, err := e.store.User(userID)
	if err != nil {
		return
	}
	if err := e.kv.Set(ctx, "queue/users/"+userID, user); err != nil {
		log.Printf("Queue mirror write failed: user=%s error=%v", userID, err)
	}
}

func (e *Engine) unmirrorUser(ctx context.Context, userID string) {
	if e.kv == nil {
		return
	}
	if err := e.kv.Delete(ctx, "queue/users/"+userID); err != nil {
		log.Printf("Queue mirror delete failed: user=%s error=%v", userID, err)
	}
}

package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// SendResult is the channel's acknowledgment of an outbound message.
type SendResult struct {
	ChannelMessageID string
	Status           models.Status
}

// MessageStore is the external authoritative store for a conversation's
// messages: the poll reconciler and initial load read snapshots from it, the
// optimistic send path writes through it.
type MessageStore interface {
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID string, content models.MessageContent) (*SendResult, error)
}

// Subscriber delivers push records for one conversation. Delivery is
// at-least-once with no ordering guarantee; the returned function cancels the
// subscription.
type Subscriber interface {
	Subscribe(conversationID string, onRecord func(models.Message)) (func(), error)
}

// Session reconciles the transcript of one open conversation. The three
// producers (optimistic send, push listener, poll reconciler) are
// asynchronous but every mutation is funneled through a single event
// goroutine, so merges apply strictly in the order their completion events
// fire and the transcript needs no locking of its own.
type Session struct {
	conversationID string
	transcript     *Transcript
	store          MessageStore
	sender         string

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	unsubscribe func()
	pollBusy    atomic.Bool

	// onSendError surfaces send failures for user-visible notification; the
	// failed entry itself is already in the transcript by the time it fires.
	onSendError func(conversationID, localID string, err error)

	mu       sync.RWMutex
	snapshot []models.Message
	version  uint64
}

func newSession(parent context.Context, conversationID, sender string, store MessageStore, onSendError func(string, string, error)) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		conversationID: conversationID,
		transcript:     NewTranscript(conversationID),
		store:          store,
		sender:         sender,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan func(), 64),
		done:           make(chan struct{}),
		onSendError:    onSendError,
	}
}

// ConversationID returns the conversation this session reconciles.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// run is the single mutation goroutine. Events are applied in arrival order
// and never batched or reordered across producers.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			fn()
			s.publish()
		}
	}
}

// publish refreshes the render snapshot readers see. Only the event
// goroutine calls it.
func (s *Session) publish() {
	msgs := s.transcript.Messages()
	s.mu.Lock()
	s.snapshot = msgs
	s.version = s.transcript.Version()
	s.mu.Unlock()
}

// Messages returns the reconciled, sorted transcript for rendering.
func (s *Session) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Version returns the transcript version; it advances only on real changes.
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// enqueue hands a mutation to the event goroutine. Events arriving after the
// session is closed are discarded, never applied: a stale callback must not
// touch a transcript that no longer belongs to the active conversation.
func (s *Session) enqueue(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.events <- fn:
		return true
	}
}

// Submit is the optimistic send path. It appends a pending entry
// immediately, returns the temporary local id, and resolves the send
// asynchronously through the merge pipeline. There is no automatic retry;
// a failed entry stays failed until the user explicitly retries.
func (s *Session) Submit(content models.MessageContent) string {
	localID := uuid.NewString()
	msg := models.Message{
		ID:             localID,
		ConversationID: s.conversationID,
		Direction:      models.DirectionOutbound,
		Content:        content,
		Status:         models.StatusPending,
		CreatedAt:      time.Now(),
		Sender:         s.sender,
	}
	s.enqueue(func() { s.transcript.Append(msg) })

	go s.send(localID, content)
	return localID
}

// Retry re-submits a failed send as a fresh optimistic entry, removing the
// failed one. This is the one place reconciliation state loses an entry, and
// it is an explicit user action, not engine policy.
func (s *Session) Retry(localID string) (string, bool) {
	var content models.MessageContent
	ok := false
	applied := s.enqueueWait(func() {
		msg, found := s.transcript.Get(localID)
		if !found || msg.Status != models.StatusFailed {
			return
		}
		content = msg.Content
		ok = s.transcript.Remove(localID)
	})
	if !applied || !ok {
		return "", false
	}
	return s.Submit(content), true
}

// send performs the actual channel send and feeds the outcome back through
// the merge function.
func (s *Session) send(localID string, content models.MessageContent) {
	res, err := s.store.SendMessage(s.ctx, s.conversationID, content)
	if err != nil {
		log.Error().Err(err).
			Str("conversationID", s.conversationID).
			Str("localID", localID).
			Msg("Send failed; marking message failed")
		s.enqueue(func() { s.transcript.MarkFailed(localID) })
		if s.onSendError != nil {
			s.onSendError(s.conversationID, localID, err)
		}
		return
	}

	status := res.Status
	if status == "" || status == models.StatusPending {
		status = models.StatusSent
	}
	rec := models.Message{
		ID:               localID,
		ChannelMessageID: res.ChannelMessageID,
		ConversationID:   s.conversationID,
		Status:           status,
	}
	s.enqueue(func() { s.transcript.ApplyRecord(rec) })
}

// HandleRecord is the push update listener. Records for another conversation
// are discarded; malformed records are skipped with a warning. Correctness
// under duplicated or out-of-order delivery is entirely the merge's
// idempotence, so there is nothing else to do here.
func (s *Session) HandleRecord(rec models.Message) {
	if rec.ConversationID != s.conversationID {
		log.Debug().
			Str("active", s.conversationID).
			Str("record", rec.ConversationID).
			Msg("Discarding push record for non-active conversation")
		return
	}
	if rec.ID == "" && rec.ChannelMessageID == "" && rec.Content.IsZero() {
		log.Warn().Str("conversationID", s.conversationID).Msg("Skipping malformed push record")
		return
	}
	if rec.Status != "" && !rec.Status.Valid() {
		log.Warn().
			Str("conversationID", s.conversationID).
			Str("status", string(rec.Status)).
			Msg("Skipping push record with unknown status")
		return
	}
	if rec.Direction != "" && !rec.Direction.Valid() {
		log.Warn().
			Str("conversationID", s.conversationID).
			Str("direction", string(rec.Direction)).
			Msg("Skipping push record with unknown direction")
		return
	}
	s.enqueue(func() { s.transcript.ApplyRecord(rec) })
}

// pollLoop runs the poll reconciler: a fixed-interval snapshot fetch that
// backstops unreliable push delivery. An overlapping cycle is skipped rather
// than queued so two snapshots can never apply out of order.
func (s *Session) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.pollBusy.CompareAndSwap(false, true) {
				log.Debug().
					Str("conversationID", s.conversationID).
					Msg("Previous poll cycle still in flight; skipping")
				continue
			}
			s.pollOnce()
		}
	}
}

// pollOnce fetches the authoritative snapshot and merges it. Fetch errors
// leave the transcript untouched; the next interval retries unconditionally.
// The busy flag is held until the enqueued merge has applied, so a cycle is
// not considered finished while its snapshot still awaits the event goroutine.
func (s *Session) pollOnce() {
	recs, err := s.store.FetchMessages(s.ctx, s.conversationID)
	if err != nil {
		s.pollBusy.Store(false)
		if s.ctx.Err() == nil {
			log.Warn().Err(err).
				Str("conversationID", s.conversationID).
				Msg("Poll fetch failed; keeping existing transcript")
		}
		return
	}
	if !s.enqueue(func() {
		defer s.pollBusy.Store(false)
		s.transcript.ReconcileSnapshot(recs)
	}) {
		s.pollBusy.Store(false)
	}
}

// enqueueWait runs fn on the event goroutine and waits for it, so callers
// can read back results. Returns false when the session is already closed.
func (s *Session) enqueueWait(fn func()) bool {
	ran := make(chan struct{})
	ok := s.enqueue(func() {
		defer close(ran)
		fn()
	})
	if !ok {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// close tears the session down: cancels the context (which discards any
// in-flight callback), stops the poll loop, and unsubscribes push.
func (s *Session) close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	<-s.done
}

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// DefaultPollInterval is how often the poll reconciler re-fetches the
// authoritative snapshot while a conversation is open.
const DefaultPollInterval = 5 * time.Second

// Options configures an Engine.
type Options struct {
	// PollInterval for the poll reconciler; DefaultPollInterval when zero.
	PollInterval time.Duration
	// Sender is recorded on outbound messages produced by this client.
	Sender string
	// OnSendError, when set, is invoked after a send failure has been
	// applied to the transcript, for user-visible notification.
	OnSendError func(conversationID, localID string, err error)
}

// Engine owns the reconciliation of the currently open conversation. Only
// one conversation is reconciled at a time: opening a new one closes the
// previous session, unsubscribes its push listener, stops its poll timer and
// discards its in-flight callbacks.
type Engine struct {
	store MessageStore
	subs  Subscriber
	opts  Options

	mu     sync.Mutex
	active *Session
}

// NewEngine creates a reconciliation engine. The subscriber may be nil, in
// which case polling is the only update source besides the send path.
func NewEngine(store MessageStore, subs Subscriber, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil for Engine")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Engine{store: store, subs: subs, opts: opts}, nil
}

// Open makes conversationID the active conversation: it closes the previous
// session, loads the initial snapshot, subscribes for push records and
// starts the poll timer. It returns the new session. The session is owned by
// the engine and lives until the next Open or Close, independent of any
// request context.
func (e *Engine) Open(conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		e.active.close()
		e.active = nil
	}

	s := newSession(context.Background(), conversationID, e.opts.Sender, e.store, e.opts.OnSendError)
	go s.run()

	// Initial load before the session is exposed, through the same merge
	// path the poller uses.
	recs, err := e.store.FetchMessages(s.ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).
			Str("conversationID", conversationID).
			Msg("Initial message load failed; transcript starts empty and polling will catch up")
	} else if !s.enqueueWait(func() { s.transcript.ReconcileSnapshot(recs) }) {
		s.close()
		return nil, fmt.Errorf("session for conversation %s closed during initial load", conversationID)
	}

	if e.subs != nil {
		unsub, err := e.subs.Subscribe(conversationID, s.HandleRecord)
		if err != nil {
			log.Warn().Err(err).
				Str("conversationID", conversationID).
				Msg("Push subscription failed; polling remains the only update source")
		} else {
			s.unsubscribe = unsub
		}
	}

	go s.pollLoop(e.opts.PollInterval)

	e.active = s
	log.Info().
		Str("conversationID", conversationID).
		Int("initialMessages", s.transcript.Len()).
		Msg("Conversation opened")
	return s, nil
}

// Active returns the session for conversationID if it is the open one.
func (e *Engine) Active(conversationID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.conversationID != conversationID {
		return nil, false
	}
	return e.active, true
}

// HandleRecord routes a push record to the active session. Records for any
// other conversation are discarded; without a guard here a stale delivery
// could corrupt the newly opened conversation's transcript.
func (e *Engine) HandleRecord(rec models.Message) {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		log.Debug().Str("conversationID", rec.ConversationID).Msg("No active conversation; discarding push record")
		return
	}
	s.HandleRecord(rec)
}

// Close shuts down the active session, if any.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active.close()
		e.active = nil
	}
}

// Status describes the engine for the status endpoint.
type Status struct {
	ActiveConversation string `json:"active_conversation,omitempty"`
	TranscriptLength   int    `json:"transcript_length"`
	TranscriptVersion  uint64 `json:"transcript_version"`
	PollIntervalMs     int64  `json:"poll_interval_ms"`
}

// Status reports the current reconciliation state.
func (e *Engine) Status() Status {
	st := Status{PollIntervalMs: e.opts.PollInterval.Milliseconds()}
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s != nil {
		st.ActiveConversation = s.conversationID
		st.TranscriptLength = len(s.Messages())
		st.TranscriptVersion = s.Version()
	}
	return st
}

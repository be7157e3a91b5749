package reconcile

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// entry is the canonical in-memory form of one transcript message. seq is the
// insertion order, used as the stable tie-breaker when createdAt values are
// equal.
type entry struct {
	msg models.Message
	seq uint64
}

// pendingKey identifies an outstanding optimistic send awaiting confirmation.
// The design assumes at most one outstanding pending entry per (direction,
// literal content) at any instant; the heuristic match relies on that.
type pendingKey struct {
	direction models.Direction
	content   models.MessageContent
}

// Transcript holds the ordered message sequence for one open conversation.
// All mutation funnels through the merge logic here; no other component may
// splice or reorder the list. Transcript is not safe for concurrent use; the
// session serializes access on its event goroutine.
type Transcript struct {
	conversationID string

	entries     []*entry
	byChannelID map[string]*entry
	byLocalID   map[string]*entry

	// pending is the heuristic-match candidate pool: optimistic sends that
	// have no channel id yet and have not been failed by the send path.
	pending map[pendingKey]*entry

	nextSeq uint64
	version uint64
}

// NewTranscript creates an empty transcript for conversationID.
func NewTranscript(conversationID string) *Transcript {
	return &Transcript{
		conversationID: conversationID,
		byChannelID:    make(map[string]*entry),
		byLocalID:      make(map[string]*entry),
		pending:        make(map[pendingKey]*entry),
	}
}

// ConversationID returns the owning conversation id.
func (t *Transcript) ConversationID() string {
	return t.conversationID
}

// Version increments on every mutation that actually changed state.
// Re-applying an identical record leaves it untouched.
func (t *Transcript) Version() uint64 {
	return t.version
}

// Len returns the number of transcript entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Messages returns the transcript as an ordered copy for rendering.
func (t *Transcript) Messages() []models.Message {
	out := make([]models.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Append inserts a freshly constructed optimistic message. The caller
// guarantees it is new (no existing entry can match a temp id that was just
// generated), so this skips identity resolution and goes straight to
// insertion plus a resort.
func (t *Transcript) Append(msg models.Message) {
	e := t.insert(msg)
	if msg.Status == models.StatusPending && msg.ChannelMessageID == "" && msg.Direction == models.DirectionOutbound {
		t.pending[pendingKey{msg.Direction, msg.Content}] = e
	}
	t.resort()
	t.version++
}

// ApplyRecord merges a single incoming record (push notification or send
// confirmation) and resorts. Returns true when the transcript changed.
func (t *Transcript) ApplyRecord(rec models.Message) bool {
	changed := t.merge(rec)
	if changed {
		t.resort()
		t.version++
	}
	return changed
}

// ReconcileSnapshot merges every record of an authoritative server snapshot,
// resorting once at the end rather than per record. Records present locally
// but absent from the snapshot are never deleted: snapshots may be partial,
// and destructive sync is disallowed. Returns true when anything changed.
func (t *Transcript) ReconcileSnapshot(recs []models.Message) bool {
	changed := false
	for _, rec := range recs {
		if t.merge(rec) {
			changed = true
		}
	}
	if changed {
		t.resort()
		t.version++
	}
	return changed
}

// MarkFailed transitions a pending optimistic entry to failed and unlists it
// from the heuristic-match pool so it can never be confused with a later
// unrelated incoming record. Only the send path calls this; push and poll
// records can never produce the failed state. Returns false when the entry is
// unknown or no longer pending.
func (t *Transcript) MarkFailed(localID string) bool {
	e, ok := t.byLocalID[localID]
	if !ok || e.msg.Status != models.StatusPending {
		return false
	}
	delete(t.pending, pendingKey{e.msg.Direction, e.msg.Content})
	e.msg.Status = models.StatusFailed
	t.version++
	return true
}

// Remove deletes a failed send from the transcript. Reconciliation never
// deletes entries; this exists solely for the send path's explicit retry,
// which replaces the failed entry with a fresh optimistic one. Returns false
// unless the entry exists and is failed.
func (t *Transcript) Remove(localID string) bool {
	e, ok := t.byLocalID[localID]
	if !ok || e.msg.Status != models.StatusFailed {
		return false
	}
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	for id, cur := range t.byLocalID {
		if cur == e {
			delete(t.byLocalID, id)
		}
	}
	if e.msg.ChannelMessageID != "" {
		delete(t.byChannelID, e.msg.ChannelMessageID)
	}
	t.version++
	return true
}

// Get looks up a message by local or channel id.
func (t *Transcript) Get(id string) (models.Message, bool) {
	if e, ok := t.byLocalID[id]; ok {
		return e.msg, true
	}
	if e, ok := t.byChannelID[id]; ok {
		return e.msg, true
	}
	return models.Message{}, false
}

// insert appends a new entry and registers it in the identity index. Records
// may arrive without a timestamp; arrival time is stamped so the ascending
// createdAt order stays total and timestamped entries can never be split by
// an untimed one.
func (t *Transcript) insert(msg models.Message) *entry {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	e := &entry{msg: msg, seq: t.nextSeq}
	t.nextSeq++
	t.entries = append(t.entries, e)
	if msg.ID != "" {
		t.byLocalID[msg.ID] = e
	}
	if msg.ChannelMessageID != "" {
		t.byChannelID[msg.ChannelMessageID] = e
	}
	return e
}

// resort applies one stable ascending sort by createdAt. Ties fall back to
// insertion order, so repeated sorts never reshuffle. insert stamps absent
// timestamps, which keeps this comparison a total order.
func (t *Transcript) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.seq < b.seq
		}
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	})
}

func (t *Transcript) warnDiscard(rec models.Message, reason string) {
	log.Warn().
		Str("conversationID", t.conversationID).
		Str("recordID", rec.ID).
		Str("channelMessageID", rec.ChannelMessageID).
		Str("reason", reason).
		Msg("Discarding transcript record")
}

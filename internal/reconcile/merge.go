package reconcile

import (
	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// merge is the shared core all three producers funnel through: identity
// resolution, field-level last-writer-wins update, or insertion. It does not
// resort; callers resort once per batch. Returns true when state changed.
func (t *Transcript) merge(rec models.Message) bool {
	if rec.ConversationID != "" && rec.ConversationID != t.conversationID {
		t.warnDiscard(rec, "conversation mismatch")
		return false
	}

	if e := t.resolve(rec); e != nil {
		return t.update(e, rec)
	}

	// No match: a genuinely new entry.
	if rec.Status == "" {
		rec.Status = models.StatusSent
	}
	t.insert(rec)
	return true
}

// resolve locates the existing entry an incoming record refers to, in
// priority order: channel-assigned id, then local id, then the heuristic
// content match against outstanding optimistic sends. Returns nil when the
// record is new.
func (t *Transcript) resolve(rec models.Message) *entry {
	if rec.ChannelMessageID != "" {
		if e, ok := t.byChannelID[rec.ChannelMessageID]; ok {
			return e
		}
	}
	if rec.ID != "" {
		if e, ok := t.byLocalID[rec.ID]; ok {
			return e
		}
	}
	// Heuristic: an inbound confirmation for an optimistic send arrives with
	// a channel id we have never seen and no local id. Treat it as the
	// confirmation of the (at most one) outstanding pending outbound entry
	// with identical literal content.
	if rec.Direction == models.DirectionOutbound && !rec.Content.IsZero() {
		if e, ok := t.pending[pendingKey{models.DirectionOutbound, rec.Content}]; ok {
			return e
		}
	}
	return nil
}

// update applies field-level last-writer-wins: only fields present and
// different on the record are written, which makes re-applying an identical
// record a no-op. Status additionally enforces monotonicity, and the failed
// state is never applied here (MarkFailed is the only way in).
func (t *Transcript) update(e *entry, rec models.Message) bool {
	changed := false

	if rec.ChannelMessageID != "" && rec.ChannelMessageID != e.msg.ChannelMessageID {
		if e.msg.ChannelMessageID != "" {
			delete(t.byChannelID, e.msg.ChannelMessageID)
		}
		e.msg.ChannelMessageID = rec.ChannelMessageID
		t.byChannelID[rec.ChannelMessageID] = e
		// The entry is confirmed; it leaves the heuristic-match pool and its
		// id switches from the temporary value to the channel-assigned one.
		// The temp id stays in the index so a late duplicate of the same
		// confirmation still resolves to this entry.
		delete(t.pending, pendingKey{e.msg.Direction, e.msg.Content})
		if e.msg.ID != rec.ChannelMessageID {
			e.msg.ID = rec.ChannelMessageID
			t.byLocalID[rec.ChannelMessageID] = e
		}
		changed = true
	} else if rec.ID != "" && rec.ID != e.msg.ID {
		if _, taken := t.byLocalID[rec.ID]; !taken {
			e.msg.ID = rec.ID
			t.byLocalID[rec.ID] = e
			changed = true
		}
	}

	if !rec.Content.IsZero() && !rec.Content.Equal(e.msg.Content) {
		delete(t.pending, pendingKey{e.msg.Direction, e.msg.Content})
		e.msg.Content = rec.Content
		changed = true
	}

	if rec.Status != "" && t.applyStatus(e, rec.Status) {
		changed = true
	}

	if !rec.CreatedAt.IsZero() && !rec.CreatedAt.Equal(e.msg.CreatedAt) {
		e.msg.CreatedAt = rec.CreatedAt
		changed = true
	}

	if rec.Sender != "" && rec.Sender != e.msg.Sender {
		e.msg.Sender = rec.Sender
		changed = true
	}

	if rec.Direction.Valid() && rec.Direction != e.msg.Direction {
		e.msg.Direction = rec.Direction
		changed = true
	}

	return changed
}

// applyStatus enforces the monotonicity invariant: the applied status is
// max(rank(current), rank(incoming)). A failed record from push or poll is
// ignored outright, and a failed entry never progresses again.
func (t *Transcript) applyStatus(e *entry, incoming models.Status) bool {
	if incoming == models.StatusFailed {
		log.Warn().
			Str("conversationID", t.conversationID).
			Str("messageID", e.msg.ID).
			Msg("Ignoring failed status from push/poll record; failed is set only by the send path")
		return false
	}
	if e.msg.Status == models.StatusFailed {
		return false
	}
	if incoming.Rank() <= e.msg.Status.Rank() {
		return false
	}
	if e.msg.Status == models.StatusPending {
		delete(t.pending, pendingKey{e.msg.Direction, e.msg.Content})
	}
	e.msg.Status = incoming
	return true
}

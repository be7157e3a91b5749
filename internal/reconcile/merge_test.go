package reconcile

import (
	"testing"
	"time"

	"convocrm/internal/models"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pendingMsg(id, text string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv-1",
		Direction:      models.DirectionOutbound,
		Content:        models.MessageContent{Text: text},
		Status:         models.StatusPending,
		CreatedAt:      at,
	}
}

func pushRecord(channelID, text string, status models.Status, at time.Time) models.Message {
	return models.Message{
		ID:               channelID,
		ChannelMessageID: channelID,
		ConversationID:   "conv-1",
		Direction:        models.DirectionOutbound,
		Content:          models.MessageContent{Text: text},
		Status:           status,
		CreatedAt:        at,
	}
}

func inboundRecord(channelID, text string, at time.Time) models.Message {
	return models.Message{
		ID:               channelID,
		ChannelMessageID: channelID,
		ConversationID:   "conv-1",
		Direction:        models.DirectionInbound,
		Content:          models.MessageContent{Text: text},
		Status:           models.StatusDelivered,
		CreatedAt:        at,
	}
}

// --- Idempotence ---

func TestApplyRecord_Idempotent(t *testing.T) {
	tr := NewTranscript("conv-1")
	rec := pushRecord("wa-1", "hi", models.StatusSent, baseTime)

	if !tr.ApplyRecord(rec) {
		t.Fatal("first apply should change the transcript")
	}
	v := tr.Version()
	if tr.ApplyRecord(rec) {
		t.Error("re-applying an identical record must be a no-op")
	}
	if tr.Version() != v {
		t.Errorf("version advanced on a no-op: %d -> %d", v, tr.Version())
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
}

func TestReconcileSnapshot_ReplayIsNoOp(t *testing.T) {
	tr := NewTranscript("conv-1")
	snapshot := []models.Message{
		inboundRecord("wa-1", "hello", baseTime),
		pushRecord("wa-2", "hi back", models.StatusRead, baseTime.Add(time.Minute)),
	}

	if !tr.ReconcileSnapshot(snapshot) {
		t.Fatal("first snapshot should change the transcript")
	}
	v := tr.Version()
	if tr.ReconcileSnapshot(snapshot) {
		t.Error("replaying the same snapshot must be a complete no-op")
	}
	if tr.Version() != v {
		t.Errorf("version advanced on snapshot replay: %d -> %d", v, tr.Version())
	}
}

// --- No duplication: optimistic send + push confirmation + poll snapshot ---

func TestOptimisticSend_NoDuplication(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Hello", baseTime))

	// Push confirmation carries the channel id and the same literal content.
	tr.ApplyRecord(pushRecord("wa-100", "Hello", models.StatusSent, baseTime))

	// Poll snapshot repeats the confirmed message.
	tr.ReconcileSnapshot([]models.Message{pushRecord("wa-100", "Hello", models.StatusSent, baseTime)})

	msgs := tr.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d entries, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "wa-100" {
		t.Errorf("id = %q, want channel-assigned id wa-100", msgs[0].ID)
	}
	if msgs[0].Status != models.StatusSent {
		t.Errorf("status = %q, want sent", msgs[0].Status)
	}
}

func TestSendResolution_ByLocalID(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Hello", baseTime))

	// The send path feeds back {id: temp-id, channelMessageId, status}.
	tr.ApplyRecord(models.Message{
		ID:               "temp-1",
		ChannelMessageID: "wa-100",
		ConversationID:   "conv-1",
		Status:           models.StatusSent,
	})

	msgs := tr.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(msgs))
	}
	if msgs[0].ID != "wa-100" || msgs[0].ChannelMessageID != "wa-100" {
		t.Errorf("ids = (%q, %q), want (wa-100, wa-100)", msgs[0].ID, msgs[0].ChannelMessageID)
	}
	if msgs[0].CreatedAt != baseTime {
		t.Error("confirmation must preserve the optimistic entry's position")
	}

	// A late duplicate addressed by the old temp id still resolves here.
	if tr.ApplyRecord(models.Message{ID: "temp-1", ChannelMessageID: "wa-100", ConversationID: "conv-1", Status: models.StatusSent}) {
		t.Error("duplicate confirmation must be a no-op")
	}
}

// --- Confluence: push-then-poll and poll-then-push converge ---

func TestConfluence_PushAndPollOrderIndependent(t *testing.T) {
	confirm := pushRecord("wa-100", "Hello", models.StatusSent, baseTime)
	snapshot := []models.Message{pushRecord("wa-100", "Hello", models.StatusDelivered, baseTime)}

	pushFirst := NewTranscript("conv-1")
	pushFirst.Append(pendingMsg("temp-1", "Hello", baseTime))
	pushFirst.ApplyRecord(confirm)
	pushFirst.ReconcileSnapshot(snapshot)

	pollFirst := NewTranscript("conv-1")
	pollFirst.Append(pendingMsg("temp-1", "Hello", baseTime))
	pollFirst.ReconcileSnapshot(snapshot)
	pollFirst.ApplyRecord(confirm)

	a, b := pushFirst.Messages(), pollFirst.Messages()
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("lengths = (%d, %d), want (1, 1)", len(a), len(b))
	}
	if a[0] != b[0] {
		t.Errorf("final states differ:\n push-first: %+v\n poll-first: %+v", a[0], b[0])
	}
	if a[0].Status != models.StatusDelivered {
		t.Errorf("status = %q, want delivered (highest rank wins either way)", a[0].Status)
	}
}

// --- Status monotonicity ---

func TestStatus_NeverRegresses(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.ApplyRecord(pushRecord("wa-1", "hi", models.StatusRead, baseTime))

	for _, stale := range []models.Status{models.StatusPending, models.StatusSent, models.StatusDelivered} {
		rec := pushRecord("wa-1", "hi", stale, baseTime)
		tr.ApplyRecord(rec)
		if got := tr.Messages()[0].Status; got != models.StatusRead {
			t.Errorf("status regressed to %q after stale %q record", got, stale)
		}
	}
}

func TestStatus_FailedOnlyFromSendPath(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "hi", baseTime))

	// Push and poll records can never produce failed.
	tr.ApplyRecord(models.Message{ID: "temp-1", ConversationID: "conv-1", Status: models.StatusFailed})
	if got := tr.Messages()[0].Status; got == models.StatusFailed {
		t.Fatal("a push/poll record must not set failed")
	}

	if !tr.MarkFailed("temp-1") {
		t.Fatal("MarkFailed should succeed on a pending entry")
	}
	if got := tr.Messages()[0].Status; got != models.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}

	// Failed is terminal and absorbing.
	tr.ApplyRecord(models.Message{ID: "temp-1", ConversationID: "conv-1", Status: models.StatusSent})
	if got := tr.Messages()[0].Status; got != models.StatusFailed {
		t.Errorf("failed entry progressed to %q", got)
	}
}

func TestMarkFailed_OnlyFromPending(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.ApplyRecord(pushRecord("wa-1", "hi", models.StatusSent, baseTime))
	if tr.MarkFailed("wa-1") {
		t.Error("MarkFailed must be rejected for a non-pending entry")
	}
}

func TestMarkFailed_UnlistsFromHeuristicPool(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Ok", baseTime))
	tr.MarkFailed("temp-1")

	// A later unrelated record with the same content must not be confused
	// with the failed send.
	tr.ApplyRecord(pushRecord("wa-9", "Ok", models.StatusSent, baseTime.Add(time.Second)))

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d entries, want 2 (failed send + new record)", len(msgs))
	}
	if msgs[0].Status != models.StatusFailed {
		t.Errorf("first entry status = %q, want failed", msgs[0].Status)
	}
	if msgs[1].ID != "wa-9" {
		t.Errorf("second entry id = %q, want wa-9", msgs[1].ID)
	}
}

// --- Sorting ---

func TestSort_AscendingByCreatedAt(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.ApplyRecord(inboundRecord("wa-3", "third", baseTime.Add(2*time.Minute)))
	tr.ApplyRecord(inboundRecord("wa-1", "first", baseTime))
	tr.ApplyRecord(inboundRecord("wa-2", "second", baseTime.Add(time.Minute)))

	var got []string
	for _, m := range tr.Messages() {
		got = append(got, m.ID)
	}
	want := []string{"wa-1", "wa-2", "wa-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSort_StableOnTies(t *testing.T) {
	tr := NewTranscript("conv-1")
	// Same timestamp: insertion order must hold and never reshuffle.
	tr.ApplyRecord(inboundRecord("wa-1", "a", baseTime))
	tr.ApplyRecord(inboundRecord("wa-2", "b", baseTime))
	tr.ApplyRecord(inboundRecord("wa-3", "c", baseTime))

	check := func() {
		msgs := tr.Messages()
		for i, want := range []string{"wa-1", "wa-2", "wa-3"} {
			if msgs[i].ID != want {
				t.Fatalf("tie order broken: position %d = %q, want %q", i, msgs[i].ID, want)
			}
		}
	}
	check()

	// Repeated merges across the tie must not reorder it.
	for i := 0; i < 5; i++ {
		tr.ApplyRecord(inboundRecord("wa-2", "b", baseTime))
		tr.ReconcileSnapshot([]models.Message{inboundRecord("wa-1", "a", baseTime), inboundRecord("wa-3", "c", baseTime)})
	}
	check()
}

func TestSort_RecordWithoutCreatedAtStaysOrdered(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.ApplyRecord(inboundRecord("wa-late", "late", baseTime.Add(2*time.Minute)))
	tr.ApplyRecord(inboundRecord("wa-zero", "untimed", time.Time{}))
	tr.ApplyRecord(inboundRecord("wa-early", "early", baseTime.Add(time.Minute)))

	msgs := tr.Messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript has %d entries, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("transcript not ascending by createdAt: %s (%v) before %s (%v)",
				msgs[i-1].ID, msgs[i-1].CreatedAt, msgs[i].ID, msgs[i].CreatedAt)
		}
	}

	got, ok := tr.Get("wa-zero")
	if !ok {
		t.Fatal("untimed entry not resolvable by id")
	}
	if got.CreatedAt.IsZero() {
		t.Error("entry without a timestamp must be stamped with arrival time on insert")
	}
}

// --- Snapshot semantics ---

func TestSnapshot_NeverDeletesLocalEntries(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "still sending", baseTime.Add(time.Hour)))
	tr.ApplyRecord(inboundRecord("wa-1", "hello", baseTime))

	// A partial snapshot that lacks both entries inserts its own records but
	// removes nothing.
	tr.ReconcileSnapshot([]models.Message{inboundRecord("wa-2", "page two", baseTime.Add(time.Minute))})

	if tr.Len() != 3 {
		t.Fatalf("transcript has %d entries, want 3; snapshots must not delete", tr.Len())
	}
}

func TestMerge_DiscardsForeignConversation(t *testing.T) {
	tr := NewTranscript("conv-1")
	rec := inboundRecord("wa-1", "hello", baseTime)
	rec.ConversationID = "conv-2"
	if tr.ApplyRecord(rec) {
		t.Error("record for another conversation must be discarded")
	}
	if tr.Len() != 0 {
		t.Errorf("len = %d, want 0", tr.Len())
	}
}

// --- Heuristic matching and its known limitation ---

func TestHeuristic_ConfirmsOptimisticSendWithoutLocalID(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Hello", baseTime))

	// Pure push record: channel id only, no local id.
	rec := pushRecord("wa-100", "Hello", models.StatusSent, baseTime)
	rec.ID = ""
	tr.ApplyRecord(rec)

	msgs := tr.Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(msgs))
	}
	if msgs[0].ChannelMessageID != "wa-100" || msgs[0].Status != models.StatusSent {
		t.Errorf("entry = %+v, want confirmed wa-100/sent", msgs[0])
	}
}

func TestHeuristic_InboundContentNeverMatchesOutboundPending(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Ok", baseTime))

	// The contact echoes the same text inbound; direction differs, so this
	// must insert, not confirm.
	tr.ApplyRecord(inboundRecord("wa-5", "Ok", baseTime.Add(time.Second)))

	if tr.Len() != 2 {
		t.Fatalf("transcript has %d entries, want 2", tr.Len())
	}
}

// Two rapid sends of identical text before either confirms: content matching
// cannot tell them apart. This pins the current behavior — the most recent
// outstanding send wins the confirmation and the earlier one stays pending —
// rather than pretending the heuristic is exact.
func TestHeuristic_DoubleSendSameContent(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "Ok", baseTime))
	tr.Append(pendingMsg("temp-2", "Ok", baseTime.Add(time.Second)))

	rec := pushRecord("wa-1", "Ok", models.StatusSent, baseTime.Add(time.Second))
	rec.ID = ""
	tr.ApplyRecord(rec)

	first, ok := tr.Get("temp-1")
	if !ok {
		t.Fatal("first send disappeared")
	}
	second, ok := tr.Get("wa-1")
	if !ok {
		t.Fatal("confirmed entry not found by channel id")
	}
	if second.Status != models.StatusSent {
		t.Errorf("confirmed entry status = %q, want sent", second.Status)
	}
	if first.Status != models.StatusPending {
		t.Errorf("earlier duplicate send status = %q; current behavior leaves it pending", first.Status)
	}
	if tr.Len() != 2 {
		t.Errorf("transcript has %d entries, want 2", tr.Len())
	}
}

// --- Removal is restricted to failed sends ---

func TestRemove_OnlyFailedEntries(t *testing.T) {
	tr := NewTranscript("conv-1")
	tr.Append(pendingMsg("temp-1", "hi", baseTime))
	tr.ApplyRecord(inboundRecord("wa-1", "hello", baseTime))

	if tr.Remove("temp-1") {
		t.Error("pending entry must not be removable")
	}
	if tr.Remove("wa-1") {
		t.Error("confirmed entry must not be removable")
	}

	tr.MarkFailed("temp-1")
	if !tr.Remove("temp-1") {
		t.Fatal("failed entry should be removable by the send path")
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
	if _, ok := tr.Get("temp-1"); ok {
		t.Error("removed entry still resolvable by id")
	}
}

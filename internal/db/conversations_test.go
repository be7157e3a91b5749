package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"convocrm/internal/models"
)

func newTestRepo(t *testing.T) *ConversationRepo {
	t.Helper()
	conn, err := Connect(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	repo, err := NewConversationRepo(conn)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestConversationRepo_UpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv := models.Conversation{
		ID:           "conv-1",
		ContactName:  "Ada",
		ContactPhone: "+4915112345678",
	}
	if err := repo.Upsert(ctx, conv); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContactName != "Ada" {
		t.Errorf("contact name = %q, want Ada", got.ContactName)
	}
	if got.Status != models.ConversationQueued {
		t.Errorf("status = %q, want default queued", got.Status)
	}
	if got.CreatedAt.IsZero() || got.LastMessageAt.IsZero() {
		t.Error("timestamps must be defaulted on insert")
	}

	// Second upsert refreshes contact fields on the same row.
	conv.ContactName = "Ada L."
	conv.Status = models.ConversationActive
	if err := repo.Upsert(ctx, conv); err != nil {
		t.Fatal(err)
	}
	got, err = repo.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContactName != "Ada L." || got.Status != models.ConversationActive {
		t.Errorf("upsert did not refresh: %+v", got)
	}

	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestConversationRepo_UpdateStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, models.Conversation{ID: "conv-1"}); err != nil {
		t.Fatal(err)
	}

	if err := repo.UpdateStatus(ctx, "conv-1", models.ConversationOnHold); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ConversationOnHold {
		t.Errorf("status = %q, want on-hold", got.Status)
	}

	if err := repo.UpdateStatus(ctx, "conv-1", "exploded"); err == nil {
		t.Error("invalid status accepted")
	}
	if err := repo.UpdateStatus(ctx, "missing", models.ConversationClosed); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestConversationRepo_ListOrdersByActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"conv-old", "conv-mid", "conv-new"} {
		conv := models.Conversation{
			ID:            id,
			LastMessageAt: base.Add(time.Duration(i) * time.Hour),
			CreatedAt:     base,
		}
		if err := repo.Upsert(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list has %d rows, want 3", len(list))
	}
	want := []string{"conv-new", "conv-mid", "conv-old"}
	for i := range want {
		if list[i].ID != want[i] {
			t.Fatalf("order = [%s %s %s], want %v", list[0].ID, list[1].ID, list[2].ID, want)
		}
	}

	// TouchLastMessage moves a conversation to the top.
	if err := repo.TouchLastMessage(ctx, "conv-old", base.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	list, err = repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].ID != "conv-old" {
		t.Errorf("top of list = %s, want conv-old after touch", list[0].ID)
	}
}

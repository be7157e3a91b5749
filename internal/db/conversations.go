package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ConversationRepo is the CRM-side registry of conversations. The
// reconciliation engine reads it only to know what is active; list views and
// status changes are plain CRUD over this store.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo creates a registry over an open connection.
func NewConversationRepo(conn *sqlx.DB) (*ConversationRepo, error) {
	if conn == nil {
		return nil, fmt.Errorf("database connection cannot be nil for ConversationRepo")
	}
	return &ConversationRepo{db: conn}, nil
}

// List returns all conversations, most recently active first.
func (r *ConversationRepo) List(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, contact_name, contact_phone, status, last_message_at, created_at
		 FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// Get returns one conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := r.db.GetContext(ctx, &c, r.db.Rebind(
		`SELECT id, contact_name, contact_phone, status, last_message_at, created_at
		 FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

// Upsert inserts or refreshes a conversation record.
func (r *ConversationRepo) Upsert(ctx context.Context, c models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if c.Status == "" {
		c.Status = models.ConversationQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO conversations (id, contact_name, contact_phone, status, last_message_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   contact_name = excluded.contact_name,
		   contact_phone = excluded.contact_phone,
		   status = excluded.status,
		   last_message_at = excluded.last_message_at`),
		c.ID, c.ContactName, c.ContactPhone, c.Status, c.LastMessageAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", c.ID, err)
	}
	log.Debug().Str("conversationID", c.ID).Str("status", string(c.Status)).Msg("Conversation upserted")
	return nil
}

// UpdateStatus applies a hold/resume/close/queue transition.
func (r *ConversationRepo) UpdateStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid conversation status %q", status)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE conversations SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	log.Info().Str("conversationID", id).Str("status", string(status)).Msg("Conversation status updated")
	return nil
}

// TouchLastMessage bumps last_message_at, used for list ordering.
func (r *ConversationRepo) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"convocrm/internal/db"
	"convocrm/internal/media"
	"convocrm/internal/models"
	"convocrm/internal/reconcile"
)

const conversationListCacheKey = "conversations"

// API serves the CRM surface: conversation CRUD at its boundary, plus the
// transcript and submit operations backed by the reconciliation engine.
type API struct {
	engine *reconcile.Engine
	repo   *db.ConversationRepo
	media  *media.Store
	cache  *cache.Cache
}

// NewAPI creates the API handler set.
func NewAPI(engine *reconcile.Engine, repo *db.ConversationRepo, mediaStore *media.Store) (*API, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil for API")
	}
	if repo == nil {
		return nil, errors.New("conversation repo cannot be nil for API")
	}
	return &API{
		engine: engine,
		repo:   repo,
		media:  mediaStore,
		cache:  cache.New(10*time.Second, time.Minute),
	}, nil
}

func (a *API) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (a *API) respondWithError(w http.ResponseWriter, statusCode int, msg string) {
	a.respondWithJSON(w, statusCode, map[string]string{"error": msg})
}

// ListConversations returns the registry list for the Kanban/list views,
// cached briefly since every board refresh hits it.
func (a *API) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cached, found := a.cache.Get(conversationListCacheKey); found {
			a.respondWithJSON(w, http.StatusOK, cached)
			return
		}
		conversations, err := a.repo.List(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to list conversations")
			a.respondWithError(w, http.StatusInternalServerError, "failed to list conversations")
			return
		}
		a.cache.Set(conversationListCacheKey, conversations, cache.DefaultExpiration)
		a.respondWithJSON(w, http.StatusOK, conversations)
	}
}

// UpdateConversation applies a status transition (hold/resume/close).
func (a *API) UpdateConversation() http.HandlerFunc {
	type request struct {
		Status models.ConversationStatus `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if !req.Status.Valid() {
			a.respondWithError(w, http.StatusBadRequest, "invalid conversation status")
			return
		}
		if err := a.repo.UpdateStatus(r.Context(), id, req.Status); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				a.respondWithError(w, http.StatusNotFound, "conversation not found")
				return
			}
			log.Error().Err(err).Str("conversationID", id).Msg("Failed to update conversation status")
			a.respondWithError(w, http.StatusInternalServerError, "failed to update conversation")
			return
		}
		a.cache.Delete(conversationListCacheKey)
		a.respondWithJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
	}
}

// OpenConversation makes a conversation the active one: the engine closes
// the previous session, loads the snapshot, subscribes push and starts the
// poll timer.
func (a *API) OpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		if _, err := a.repo.Get(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				a.respondWithError(w, http.StatusNotFound, "conversation not found")
				return
			}
			log.Error().Err(err).Str("conversationID", id).Msg("Failed to look up conversation")
			a.respondWithError(w, http.StatusInternalServerError, "failed to look up conversation")
			return
		}

		session, err := a.engine.Open(id)
		if err != nil {
			log.Error().Err(err).Str("conversationID", id).Msg("Failed to open conversation")
			a.respondWithError(w, http.StatusInternalServerError, "failed to open conversation")
			return
		}
		a.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"conversationId": id,
			"messages":       session.Messages(),
		})
	}
}

// GetMessages returns the reconciled, sorted transcript of the active
// conversation. Everything the UI renders comes from here; nothing else may
// touch the transcript.
func (a *API) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		session, ok := a.engine.Active(id)
		if !ok {
			a.respondWithError(w, http.StatusConflict, "conversation is not open")
			return
		}
		a.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"conversationId": id,
			"version":        session.Version(),
			"messages":       session.Messages(),
		})
	}
}

// SubmitMessage is the optimistic send: the pending entry is in the
// transcript before this handler returns, and the send resolves through the
// merge pipeline asynchronously.
func (a *API) SubmitMessage() http.HandlerFunc {
	type request struct {
		Content models.MessageContent `json:"content"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		session, ok := a.engine.Active(id)
		if !ok {
			a.respondWithError(w, http.StatusConflict, "conversation is not open")
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.Content.IsZero() {
			a.respondWithError(w, http.StatusBadRequest, "message content cannot be empty")
			return
		}

		// Media is resolved before the optimistic append so the pending
		// entry's content matches what the gateway will echo back.
		if strings.HasPrefix(req.Content.MediaRef, "data:") {
			ref, err := a.media.ProcessOutboundMedia(r.Context(), id, uuid.NewString(), req.Content.MediaRef)
			if err != nil {
				log.Error().Err(err).Str("conversationID", id).Msg("Failed to store outbound media")
				a.respondWithError(w, http.StatusBadGateway, "failed to store media")
				return
			}
			req.Content.MediaRef = ref
		}

		localID := session.Submit(req.Content)

		if err := a.repo.TouchLastMessage(r.Context(), id, time.Now()); err != nil {
			log.Warn().Err(err).Str("conversationID", id).Msg("Failed to bump conversation activity")
		}
		a.cache.Delete(conversationListCacheKey)

		a.respondWithJSON(w, http.StatusAccepted, map[string]string{
			"localId": localID,
			"status":  string(models.StatusPending),
		})
	}
}

// RetryMessage re-submits a failed send. This is the explicit user action;
// the engine itself never retries.
func (a *API) RetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, localID := vars["id"], vars["localId"]
		session, ok := a.engine.Active(id)
		if !ok {
			a.respondWithError(w, http.StatusConflict, "conversation is not open")
			return
		}
		newID, ok := session.Retry(localID)
		if !ok {
			a.respondWithError(w, http.StatusNotFound, "no failed message with that id")
			return
		}
		a.respondWithJSON(w, http.StatusAccepted, map[string]string{
			"localId": newID,
			"status":  string(models.StatusPending),
		})
	}
}

// Status reports the reconciliation engine state, for monitoring and
// debugging.
func (a *API) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.respondWithJSON(w, http.StatusOK, a.engine.Status())
	}
}

// Health is a plain liveness probe.
func (a *API) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
	"convocrm/internal/reconcile"
)

// gatewayEvent is the webhook payload the channel gateway posts per event.
type gatewayEvent struct {
	Event  string          `json:"event"`
	Record *models.Message `json:"record"`
}

// WebhookHandler receives push notifications from the channel gateway and
// feeds them into the reconciliation engine. Delivery is at-least-once and
// may be duplicated or out of order; the merge absorbs both, so every valid
// request is acknowledged with 200 to stop gateway retries.
type WebhookHandler struct {
	engine *reconcile.Engine
	secret string
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(engine *reconcile.Engine, secret string) *WebhookHandler {
	if engine == nil {
		log.Fatal().Msg("Engine cannot be nil for WebhookHandler")
	}
	return &WebhookHandler{engine: engine, secret: secret}
}

// isValidSignature checks the HMAC-SHA256 signature the gateway sends in
// X-Gateway-Signature. An unset secret skips validation.
func (h *WebhookHandler) isValidSignature(body []byte, signature string) bool {
	if h.secret == "" {
		log.Warn().Msg("Webhook secret is not configured. Skipping signature validation.")
		return true
	}
	if signature == "" {
		log.Warn().Msg("No signature provided in X-Gateway-Signature header.")
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Handle processes one incoming gateway webhook. Anything that can go wrong
// past the signature check is logged and acknowledged, never thrown: an
// error response here would only make the gateway redeliver what the merge
// already handles idempotently.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("X-Gateway-Signature")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook request body")
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if !h.isValidSignature(bodyBytes, signature) {
		log.Warn().Msg("Invalid webhook signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event gatewayEvent
	if err := json.Unmarshal(bodyBytes, &event); err != nil {
		log.Warn().Err(err).Msg("Skipping malformed gateway webhook payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !isValidEventType(event.Event) {
		log.Warn().Str("eventType", event.Event).Msg("Received unknown gateway event type")
		w.WriteHeader(http.StatusOK)
		return
	}

	log.Debug().Str("eventType", event.Event).Msg("Received gateway event")

	switch event.Event {
	case "conversation.created", "conversation.updated":
		// Registry changes arrive through the CRM API; the engine only
		// consumes message records here.
	default:
		if event.Record == nil {
			log.Warn().Str("eventType", event.Event).Msg("Gateway message event has no record; skipping")
			break
		}
		rec := *event.Record
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		h.engine.HandleRecord(rec)
	}

	w.WriteHeader(http.StatusOK)
}

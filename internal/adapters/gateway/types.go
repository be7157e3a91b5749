package gateway

import (
	"time"

	"convocrm/internal/models"
)

// messageRecord is the wire shape the gateway serves for one message.
type messageRecord struct {
	ID               string         `json:"id"`
	ChannelMessageID string         `json:"channelMessageId,omitempty"`
	ConversationID   string         `json:"conversationId"`
	Direction        string         `json:"direction"`
	Content          messageContent `json:"content"`
	Status           string         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	Sender           string         `json:"sender,omitempty"`
}

type messageContent struct {
	Text         string `json:"text,omitempty"`
	MediaRef     string `json:"mediaRef,omitempty"`
	TemplateName string `json:"templateName,omitempty"`
}

// messagesResponse wraps the snapshot list: {"payload": [...]}.
type messagesResponse struct {
	Payload []messageRecord `json:"payload"`
}

// sendMessageRequest is the outbound send payload.
type sendMessageRequest struct {
	Content messageContent `json:"content"`
}

// sendMessageResponse is the gateway's acknowledgment of a send.
type sendMessageResponse struct {
	ChannelMessageID string `json:"channelMessageId"`
	Status           string `json:"status"`
}

func (r messageRecord) toModel() models.Message {
	return models.Message{
		ID:               r.ID,
		ChannelMessageID: r.ChannelMessageID,
		ConversationID:   r.ConversationID,
		Direction:        models.Direction(r.Direction),
		Content: models.MessageContent{
			Text:         r.Content.Text,
			MediaRef:     r.Content.MediaRef,
			TemplateName: r.Content.TemplateName,
		},
		Status:    models.Status(r.Status),
		CreatedAt: r.CreatedAt,
		Sender:    r.Sender,
	}
}

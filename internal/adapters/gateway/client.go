package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
	"convocrm/internal/reconcile"
)

// Client talks to the channel gateway's HTTP API: the authoritative message
// store for conversations and the write path for outbound sends.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a gateway client.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway apiKey cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetTimeout(10 * time.Second)

	log.Info().Str("baseURL", baseURL).Msg("Gateway client configured")

	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// FetchMessages retrieves the gateway's ordered snapshot of a conversation.
// The snapshot may be partial; the reconciler never deletes on its account.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	url := fmt.Sprintf("/api/v1/conversations/%s/messages", conversationID)

	var result messagesResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("conversationID", conversationID).Msg("Gateway API: FetchMessages request failed")
		return nil, fmt.Errorf("gateway FetchMessages request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Gateway API: FetchMessages returned an error")
		return nil, fmt.Errorf("gateway FetchMessages error: status %s, body: %s", resp.Status(), resp.String())
	}

	msgs := make([]models.Message, 0, len(result.Payload))
	for _, rec := range result.Payload {
		msgs = append(msgs, rec.toModel())
	}

	log.Debug().Str("conversationID", conversationID).Int("messageCount", len(msgs)).Msg("Fetched conversation snapshot from gateway")
	return msgs, nil
}

// SendMessage submits an outbound message to the gateway and returns the
// channel-assigned id and status once the channel accepts it.
func (c *Client) SendMessage(ctx context.Context, conversationID string, content models.MessageContent) (*reconcile.SendResult, error) {
	url := fmt.Sprintf("/api/v1/conversations/%s/messages", conversationID)

	payload := sendMessageRequest{Content: messageContent{
		Text:         content.Text,
		MediaRef:     content.MediaRef,
		TemplateName: content.TemplateName,
	}}

	var result sendMessageResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("conversationID", conversationID).Msg("Gateway API: SendMessage request failed")
		return nil, fmt.Errorf("gateway SendMessage request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Gateway API: SendMessage returned an error")
		return nil, fmt.Errorf("gateway SendMessage error: status %s, body: %s", resp.Status(), resp.String())
	}

	if result.ChannelMessageID == "" {
		log.Error().Str("conversationID", conversationID).Interface("response", result).Msg("Gateway API: SendMessage response did not contain a channel message id")
		return nil, fmt.Errorf("gateway SendMessage returned no channel message id")
	}

	log.Info().
		Str("conversationID", conversationID).
		Str("channelMessageID", result.ChannelMessageID).
		Str("status", result.Status).
		Msg("Message accepted by gateway")

	return &reconcile.SendResult{
		ChannelMessageID: result.ChannelMessageID,
		Status:           models.Status(result.Status),
	}, nil
}

package models

import "time"

// Status tracks a message's confirmation progress with the delivery channel.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the confirmation rank of a status. Failed is a terminal state
// outside the rank order and returns -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Direction of a message relative to the CRM.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// MessageContent carries the body of a message. The fields are not mutually
// exclusive: a template send carries both the template name and its resolved
// text.
type MessageContent struct {
	Text         string `json:"text,omitempty"`
	MediaRef     string `json:"mediaRef,omitempty"`
	TemplateName string `json:"templateName,omitempty"`
}

// IsZero reports whether no content field is set.
func (c MessageContent) IsZero() bool {
	return c.Text == "" && c.MediaRef == "" && c.TemplateName == ""
}

// Equal compares literal content.
func (c MessageContent) Equal(o MessageContent) bool {
	return c.Text == o.Text && c.MediaRef == o.MediaRef && c.TemplateName == o.TemplateName
}

// Message is one entry in a conversation transcript. ID is a client-generated
// temporary value while the message is pending and becomes the
// channel-assigned identifier once the channel confirms it.
type Message struct {
	ID               string         `json:"id"`
	ChannelMessageID string         `json:"channelMessageId,omitempty"`
	ConversationID   string         `json:"conversationId"`
	Direction        Direction      `json:"direction"`
	Content          MessageContent `json:"content"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	Sender           string         `json:"sender,omitempty"`
}

// ConversationStatus is the CRM-side workflow state of a conversation.
type ConversationStatus string

const (
	ConversationQueued ConversationStatus = "queued"
	ConversationActive ConversationStatus = "active"
	ConversationOnHold ConversationStatus = "on-hold"
	ConversationClosed ConversationStatus = "closed"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationQueued, ConversationActive, ConversationOnHold, ConversationClosed:
		return true
	}
	return false
}

// Conversation is CRM registry data. The reconciliation engine only reads it
// to know which conversation is open; all mutation happens through the
// registry.
type Conversation struct {
	ID            string             `json:"id" db:"id"`
	ContactName   string             `json:"contactName" db:"contact_name"`
	ContactPhone  string             `json:"contactPhone" db:"contact_phone"`
	Status        ConversationStatus `json:"status" db:"status"`
	LastMessageAt time.Time          `json:"lastMessageAt" db:"last_message_at"`
	CreatedAt     time.Time          `json:"createdAt" db:"created_at"`
}

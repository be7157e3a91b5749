package handlers

// List of gateway event types the webhook receiver accepts
var supportedEventTypes = []string{
	// Message lifecycle
	"message.received",
	"message.sent",
	"message.delivered",
	"message.read",
	"message.updated",

	// Conversation lifecycle
	"conversation.created",
	"conversation.updated",
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

// Auxiliary function to validate event type
func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

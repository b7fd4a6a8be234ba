package chat

import (
	"encoding/json"
	"errors"
)

// Inbound event names.
const (
	EventGreeting        = "greeting"
	EventFound           = "found"
	EventLost            = "lost"
	EventRefreshChatInfo = "refreshchatinfo"
	EventChatMessage     = "chatmessage"
)

// EventChatInfo is the outbound component summary notification.
const EventChatInfo = "chatinfo"

var errNotAString = errors.New("chat: payload is not a string")

// Event is one inbound client event. Ack is nil when the client did not ask for acknowledgment.
type Event struct {
	Name    string
	Payload json.RawMessage
	Ack     func()
}

// ChatInfo summarizes the caller's component.
type ChatInfo struct {
	Size      int `json:"size"`
	EdgeCount int `json:"edgeCount"`
}

type greetingPayload struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

func decodeString(payload json.RawMessage) (string, error) {
	var value string
	if len(payload) == 0 {
		return "", errNotAString
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return "", errNotAString
	}
	return value, nil
}

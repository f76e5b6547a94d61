package types

import (
	"fmt"
	"time"
)

// Subscriber is a chat conversation registered to receive the notifications
// of one server id.
//
// ConversationID and ChannelID are either both empty or both set. They are
// filled together the first time a conversation is opened and never cleared
// independently.
type Subscriber struct {
	ServerID       string    `json:"server_id"`
	ConversationID string    `json:"conversation_id"`
	ChannelID      string    `json:"channel_id"`
	ServiceURL     string    `json:"service_url"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	BotID          string    `json:"bot_id"`
	BotName        string    `json:"bot_name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasConversation reports whether the subscriber can be addressed without
// opening a new conversation.
func (s Subscriber) HasConversation() bool {
	return s.ConversationID != "" && s.ChannelID != ""
}

// Key identifies the subscriber within the registry.
func (s Subscriber) Key() string {
	return s.ServerID + "/" + s.ConversationID
}

// Validate enforces the registry write contract.
func (s Subscriber) Validate() error {
	if s.ServerID == "" {
		return NewAppErrorWithDetails(ErrCodeValidationMissingField, "subscriber server id is required", nil,
			map[string]any{"field": "server_id"})
	}
	if s.ServiceURL == "" {
		return NewAppErrorWithDetails(ErrCodeValidationMissingField, "subscriber service url is required", nil,
			map[string]any{"field": "service_url"})
	}
	if err := ValidateServiceURL(s.ServiceURL); err != nil {
		return NewAppError(ErrCodeValidationInvalidParam, "subscriber service url is invalid", err)
	}
	if (s.ConversationID == "") != (s.ChannelID == "") {
		return NewAppError(ErrCodeValidationInvalidParam,
			fmt.Sprintf("conversation id and channel id must be set together (conversation=%q channel=%q)",
				s.ConversationID, s.ChannelID), nil)
	}
	return nil
}

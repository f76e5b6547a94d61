package botframework

import "time"

// Activity types used by hookrelay.
const (
	ActivityMessage            = "message"
	ActivityConversationUpdate = "conversationUpdate"

	TextFormatMarkdown = "markdown"
)

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// ConversationAccount identifies a conversation.
type ConversationAccount struct {
	ID               string `json:"id"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	Name             string `json:"name,omitempty"`
}

// Activity is the Bot Framework v3 activity schema, restricted to the fields
// hookrelay reads or writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Locale       string              `json:"locale,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	MembersAdded []ChannelAccount    `json:"membersAdded,omitempty"`
}

// ConversationParameters is the body of POST /v3/conversations.
type ConversationParameters struct {
	Bot      ChannelAccount   `json:"bot"`
	Members  []ChannelAccount `json:"members"`
	IsGroup  bool             `json:"isGroup"`
	TenantID string           `json:"tenantId,omitempty"`
}

// ConversationResourceResponse is returned by POST /v3/conversations.
type ConversationResourceResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId,omitempty"`
	ServiceURL string `json:"serviceUrl,omitempty"`
}

// ResourceResponse is returned when an activity is posted.
type ResourceResponse struct {
	ID string `json:"id"`
}

// OutboundActivity is a text message addressed to an existing conversation.
type OutboundActivity struct {
	ConversationID string
	ChannelID      string
	From           ChannelAccount
	Recipient      ChannelAccount
	Text           string
	Locale         string
	ReplyToID      string
}

func (o OutboundActivity) wire() Activity {
	return Activity{
		Type:         ActivityMessage,
		ChannelID:    o.ChannelID,
		From:         o.From,
		Recipient:    o.Recipient,
		Conversation: ConversationAccount{ID: o.ConversationID},
		Text:         o.Text,
		TextFormat:   TextFormatMarkdown,
		Locale:       o.Locale,
		ReplyToID:    o.ReplyToID,
	}
}

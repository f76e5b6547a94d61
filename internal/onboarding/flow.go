// Package onboarding binds chat conversations to server ids through a short
// message-driven dialogue.
//
// A conversation either creates a fresh server id or joins an existing one.
// Either way the result is a subscriber row in the registry and a reply
// listing the webhook URLs to configure upstream.
package onboarding

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

// ServerIDPrefix marks server ids minted by the create command.
const ServerIDPrefix = "hr-"

// Registry is the registry surface the flow needs.
type Registry interface {
	types.SubscriberRegistry
	// ServerForConversation returns "" when the conversation is unbound.
	ServerForConversation(ctx context.Context, conversationID string) (string, error)
}

// Replier posts a text reply into the conversation an activity came from.
type Replier interface {
	Reply(ctx context.Context, to botframework.Activity, text string) error
}

var mentionTag = regexp.MustCompile(`(?is)<at>.*?</at>`)

// Flow drives the setup dialogue.
type Flow struct {
	registry  Registry
	sessions  SessionStore
	replier   Replier
	publicURL string
	logger    types.Logger
	newID     func() string
}

// NewFlow creates the setup dialogue. publicURL prefixes the webhook
// addresses shown to users and has no trailing slash.
func NewFlow(registry Registry, sessions SessionStore, replier Replier, publicURL string, logger types.Logger) *Flow {
	return &Flow{
		registry:  registry,
		sessions:  sessions,
		replier:   replier,
		publicURL: publicURL,
		logger:    logger,
		newID:     NewServerID,
	}
}

// NewServerID returns "hr-" followed by a dashless UUIDv4.
func NewServerID() string {
	return ServerIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Handle advances the conversation's session by one inbound activity.
// Activities other than messages and bot-added updates are ignored.
func (f *Flow) Handle(ctx context.Context, act botframework.Activity) error {
	switch act.Type {
	case botframework.ActivityMessage:
	case botframework.ActivityConversationUpdate:
		if !botAdded(act) {
			return nil
		}
		act.Text = "/setup"
	default:
		return nil
	}
	if act.Conversation.ID == "" || act.ServiceURL == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "activity has no conversation or service url", nil)
	}

	sess, err := f.sessions.Get(ctx, act.Conversation.ID)
	if err != nil {
		return err
	}

	text := normalize(act.Text)
	logger := f.logger.With("conversation_id", act.Conversation.ID, "state", string(sess.State))

	next, reply, err := f.step(ctx, act, sess.State, text)
	if err != nil {
		logger.Error("onboarding step failed", "error", err.Error())
		next = sess.State
		reply = "Something went wrong on my side. Please try again later."
	}

	sess.State = next
	if err := f.sessions.Put(ctx, sess); err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	return f.replier.Reply(ctx, act, reply)
}

func (f *Flow) step(ctx context.Context, act botframework.Activity, state State, text string) (State, string, error) {
	if command(text) == "cancel" {
		return StateIdle, "Setup cancelled.", nil
	}

	switch state {
	case StateAskCreateOrJoin:
		switch command(text) {
		case "create", "new":
			return f.create(ctx, act)
		case "join", "add", "existing":
			return StateAwaitServerID, "Send me the server id, please.", nil
		}
		return StateAskCreateOrJoin, "Please choose one of: create, join (or cancel).", nil

	case StateAskPrintOrChange:
		switch command(text) {
		case "print", "current":
			return f.print(ctx, act)
		case "change":
			return StateAskCreateOrJoin, "What would you like to do? create, join", nil
		}
		return StateAskPrintOrChange, "Please choose one of: print, change (or cancel).", nil

	case StateAwaitServerID:
		return f.join(ctx, act, strings.TrimSpace(mentionTag.ReplaceAllString(act.Text, "")))

	default:
		return f.start(ctx, act, text)
	}
}

// start handles a message in the idle state: /setup or any first message.
func (f *Flow) start(ctx context.Context, act botframework.Activity, text string) (State, string, error) {
	bound, err := f.registry.ServerForConversation(ctx, act.Conversation.ID)
	if err != nil {
		return StateIdle, "", err
	}
	if bound == "" {
		return StateAskCreateOrJoin, "You don't have a server id yet. What would you like to do? create, join", nil
	}
	if command(text) == "print" {
		return f.print(ctx, act)
	}
	return StateAskPrintOrChange, fmt.Sprintf("This conversation uses server id %s. What would you like to do? print, change", bound), nil
}

func (f *Flow) create(ctx context.Context, act botframework.Activity) (State, string, error) {
	serverID := f.newID()
	if err := f.registry.Save(ctx, subscriberFrom(act, serverID)); err != nil {
		return StateAskCreateOrJoin, "", err
	}
	f.logger.Info("server id created", "server_id", serverID, "conversation_id", act.Conversation.ID)
	return StateIdle, f.confirmation("Created server id "+serverID+".", serverID), nil
}

func (f *Flow) join(ctx context.Context, act botframework.Activity, serverID string) (State, string, error) {
	if serverID == "" {
		return StateAwaitServerID, "Send me the server id, please.", nil
	}
	subs, err := f.registry.Lookup(ctx, serverID)
	if err != nil {
		return StateAwaitServerID, "", err
	}
	if len(subs) == 0 {
		return StateAwaitServerID, fmt.Sprintf("I don't know the server id %s. Send another one, or cancel.", serverID), nil
	}
	if err := f.registry.Save(ctx, subscriberFrom(act, serverID)); err != nil {
		return StateAwaitServerID, "", err
	}
	f.logger.Info("server id joined", "server_id", serverID, "conversation_id", act.Conversation.ID)
	return StateIdle, f.confirmation("Server id "+serverID+" is set.", serverID), nil
}

func (f *Flow) print(ctx context.Context, act botframework.Activity) (State, string, error) {
	bound, err := f.registry.ServerForConversation(ctx, act.Conversation.ID)
	if err != nil {
		return StateIdle, "", err
	}
	if bound == "" {
		return StateAskCreateOrJoin, "You don't have a server id yet. What would you like to do? create, join", nil
	}
	return StateIdle, f.confirmation("Current server id "+bound+".", bound), nil
}

func (f *Flow) confirmation(headline, serverID string) string {
	lines := append([]string{headline, ""}, renderLinks(WebhookLinks(f.publicURL, serverID))...)
	return strings.Join(lines, "\n")
}

// subscriberFrom addresses replies back to the user who ran the setup.
func subscriberFrom(act botframework.Activity, serverID string) types.Subscriber {
	return types.Subscriber{
		ServerID:       serverID,
		ConversationID: act.Conversation.ID,
		ChannelID:      act.ChannelID,
		ServiceURL:     act.ServiceURL,
		UserID:         act.From.ID,
		UserName:       act.From.Name,
		BotID:          act.Recipient.ID,
		BotName:        act.Recipient.Name,
	}
}

func botAdded(act botframework.Activity) bool {
	for _, m := range act.MembersAdded {
		if m.ID == act.Recipient.ID {
			return true
		}
	}
	return false
}

// normalize strips mentions and markup and lowercases the message.
func normalize(text string) string {
	text = mentionTag.ReplaceAllString(text, "")
	return strings.ToLower(strings.TrimSpace(format.StripMarkup(text)))
}

// command returns the first word without a leading slash.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[0], "/")
}

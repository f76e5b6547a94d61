package onboarding

import (
	"context"
	"time"

	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/notifications/core"
	"hookrelay/internal/types"
)

// BotReplier answers through the same credentials and connector the
// dispatcher uses.
type BotReplier struct {
	creds       core.CredentialProvider
	transport   core.ConversationTransport
	trustWindow time.Duration
	locale      string
	clock       types.Clock
}

// NewBotReplier creates a BotReplier. Each reply trusts the activity's
// service URL for trustWindow, clamped to the allowed bounds. Callers must
// only pass activities that passed channel authentication.
func NewBotReplier(creds core.CredentialProvider, transport core.ConversationTransport, trustWindow time.Duration, locale string, clock types.Clock) *BotReplier {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &BotReplier{
		creds:       creds,
		transport:   transport,
		trustWindow: botframework.ClampTrustWindow(trustWindow),
		locale:      locale,
		clock:       clock,
	}
}

// Reply swaps the activity's from and recipient and threads the reply
// under the inbound message.
func (r *BotReplier) Reply(ctx context.Context, to botframework.Activity, text string) error {
	token, err := r.creds.Token(ctx, to.ServiceURL)
	if err != nil {
		return err
	}
	r.creds.Trust(to.ServiceURL, r.clock.Now().Add(r.trustWindow))

	locale := to.Locale
	if locale == "" {
		locale = r.locale
	}
	return r.transport.Send(ctx, to.ServiceURL, token, botframework.OutboundActivity{
		ConversationID: to.Conversation.ID,
		ChannelID:      to.ChannelID,
		From:           to.Recipient,
		Recipient:      to.From,
		Text:           text,
		Locale:         locale,
		ReplyToID:      to.ID,
	})
}

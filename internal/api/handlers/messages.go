package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hookrelay/internal/core"
	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/types"
)

// ActivityHandler consumes inbound Bot Framework activities.
type ActivityHandler interface {
	Handle(ctx context.Context, act botframework.Activity) error
}

// ActivityAuthenticator verifies the channel token attached to an activity.
type ActivityAuthenticator interface {
	Authenticate(ctx context.Context, authorization string, act botframework.Activity) error
}

// MessagesHandler serves the bot messaging endpoint.
type MessagesHandler struct {
	activities ActivityHandler
	auth       ActivityAuthenticator
	logger     *slog.Logger
}

// NewMessagesHandler creates the messaging endpoint. Every activity must
// pass auth before it reaches activities.
func NewMessagesHandler(activities ActivityHandler, auth ActivityAuthenticator, l *slog.Logger) *MessagesHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MessagesHandler{activities: activities, auth: auth, logger: l}
}

// RegisterRoutes mounts POST /api/messages.
func (h *MessagesHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/messages", h.Receive)
}

// Receive decodes an activity, authenticates it and feeds it to the
// onboarding flow. Unauthenticated activities are answered 401 and never
// reach the flow. Flow errors are logged and acknowledged so the channel
// does not redeliver.
func (h *MessagesHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var act botframework.Activity
	if err := core.DecodeWebhookJSON(w, r, &act); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), act); err != nil {
		h.logger.Warn("activity rejected",
			"activity_type", act.Type,
			"service_url", act.ServiceURL,
			"channel_id", act.ChannelID,
			"error_code", string(types.CodeOf(err)),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	if err := h.activities.Handle(r.Context(), act); err != nil {
		h.logger.Error("activity handling failed",
			"activity_type", act.Type,
			"conversation_id", act.Conversation.ID,
			"error_code", string(types.CodeOf(err)),
			"error", err,
		)
	}
	w.WriteHeader(http.StatusOK)
}

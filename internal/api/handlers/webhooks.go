// Package handlers contains the HTTP handlers of the hookrelay API.
//
// Webhook routes always answer 200. Upstream systems (GitLab, TFS) retry or
// disable hooks that fail, so the outcome of a broadcast is reported in the
// JSON body and in the X-Hookrelay-Error header instead of the status code.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hookrelay/internal/core"
	"hookrelay/internal/db"
	notify "hookrelay/internal/notifications/core"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

// Inbound headers understood by the TFS routes.
const (
	headerStates       = "states"
	headerBranches     = "branches"
	headerBotFirstLine = "BotFirstLine"
)

// Defaults for the broadcast hand-off when WebhookConfig leaves a field
// unset.
const (
	defaultBroadcastGrace   = 3 * time.Second
	defaultBroadcastTimeout = 2 * time.Minute
)

// Result statuses reported by every webhook route.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusQueued  = "queued"
)

// ChangesetFetcher resolves the file list of a TFS changeset.
type ChangesetFetcher interface {
	Changes(ctx context.Context, changesetURL, authorization string) ([]types.FileChange, error)
}

// WebhookResult is the body of every webhook response.
type WebhookResult struct {
	Status    string `json:"status"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// WebhookConfig tunes the broadcast hand-off.
type WebhookConfig struct {
	// BroadcastGrace is how long a request waits for the delivery report
	// before answering "queued". Zero selects defaultBroadcastGrace.
	BroadcastGrace time.Duration
	// BroadcastTimeout bounds the detached broadcast.
	BroadcastTimeout time.Duration
	// ReportableStates applies when a request carries no states header.
	ReportableStates []string
}

type serverParams struct {
	ServerID string `validate:"required,server_id"`
}

type itemUpdateParams struct {
	ServerID      string `validate:"required,server_id"`
	WithChangeset string `validate:"omitempty,boolean"`
}

// WebhookHandler turns inbound webhooks into broadcasts.
type WebhookHandler struct {
	broadcaster notify.Broadcaster
	registry    types.SubscriberRegistry
	changes     ChangesetFetcher
	validator   *core.Validator
	logger      *slog.Logger
	cfg         WebhookConfig
}

// NewWebhookHandler creates a WebhookHandler. changes may be nil, in which
// case check-ins are never enriched.
func NewWebhookHandler(
	broadcaster notify.Broadcaster,
	registry types.SubscriberRegistry,
	changes ChangesetFetcher,
	v *core.Validator,
	l *slog.Logger,
	cfg WebhookConfig,
) *WebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	if cfg.BroadcastGrace <= 0 {
		cfg.BroadcastGrace = defaultBroadcastGrace
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = defaultBroadcastTimeout
	}
	return &WebhookHandler{
		broadcaster: broadcaster,
		registry:    registry,
		changes:     changes,
		validator:   v,
		logger:      l,
		cfg:         cfg,
	}
}

// RegisterRoutes mounts the webhook routes on the provided chi.Router.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/gitlab/push/{serverID}", h.GitLabPush)

	r.Route("/tfs", func(r chi.Router) {
		r.Post("/commit/{serverID}", h.TFSCommit)
		r.Post("/itemupdate/{serverID}", h.TFSItemUpdate)
		r.Get("/setup/{serverID}", h.TFSSetup)
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/pullrequest/{serverID}", h.PullRequest)
		r.Post("/build/{serverID}", h.Build)
		r.Post("/commit/{serverID}", h.Commit)
		r.Get("/test/{serverID}", h.Test)
		r.Post("/test/{serverID}", h.Test)
	})
}

// GitLabPush handles POST /gitlab/push/{serverID}.
func (h *WebhookHandler) GitLabPush(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	var ev types.PushEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, serverID, err)
		return
	}
	h.formatAndBroadcast(w, r, serverID, ev)
}

// TFSCommit handles POST /tfs/commit/{serverID}. The check-in is enriched
// with its file list when the request carries credentials for the TFS API.
func (h *WebhookHandler) TFSCommit(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	var ev types.CommitEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, serverID, err)
		return
	}

	ev.Banner = strings.TrimRight(r.Header.Get(headerBotFirstLine), " \t\r\n")
	ev.BranchAliases = h.branchAliases(r)
	h.enrich(r, &ev)

	h.formatAndBroadcast(w, r, serverID, ev)
}

// TFSItemUpdate handles POST /tfs/itemupdate/{serverID}?withChangeset=bool.
func (h *WebhookHandler) TFSItemUpdate(w http.ResponseWriter, r *http.Request) {
	params := itemUpdateParams{
		ServerID:      chi.URLParam(r, "serverID"),
		WithChangeset: r.URL.Query().Get("withChangeset"),
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		h.fail(w, r, params.ServerID, err)
		return
	}
	withChangeset, _ := strconv.ParseBool(params.WithChangeset)

	var ev types.ItemStateChangedEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, params.ServerID, err)
		return
	}

	filter := format.ItemFilter{
		ReportableStates:      h.reportableStates(r),
		IncludeChangesetLinks: withChangeset,
	}
	if reason, report := filter.Evaluate(ev); !report {
		h.logger.Info("work item update skipped",
			"server_id", params.ServerID,
			"work_item_id", ev.Resource.WorkItemID.String(),
			"reason", string(reason),
		)
		core.JSON(w, r, http.StatusOK, WebhookResult{Status: StatusSkipped, Reason: string(reason)})
		return
	}

	h.formatAndBroadcast(w, r, params.ServerID, ev)
}

// TFSSetup handles GET /tfs/setup/{serverID}. It lists the conversation ids
// bound to the server id.
func (h *WebhookHandler) TFSSetup(w http.ResponseWriter, r *http.Request) {
	params := serverParams{ServerID: chi.URLParam(r, "serverID")}
	if err := h.validator.ValidateStruct(params); err != nil {
		core.Error(w, r, err)
		return
	}

	ids, err := db.ListConversations(r.Context(), h.registry, params.ServerID)
	if err != nil {
		h.logger.Error("listing conversations failed", "server_id", params.ServerID, "error", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ids)
}

// PullRequest handles POST /api/webhooks/pullrequest/{serverID}.
func (h *WebhookHandler) PullRequest(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	var ev types.PullRequestEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, serverID, err)
		return
	}
	h.formatAndBroadcast(w, r, serverID, ev)
}

// Build handles POST /api/webhooks/build/{serverID}.
func (h *WebhookHandler) Build(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	var ev types.BuildEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, serverID, err)
		return
	}
	h.formatAndBroadcast(w, r, serverID, ev)
}

// Commit handles POST /api/webhooks/commit/{serverID}. Unlike the TFS route
// the check-in is not enriched.
func (h *WebhookHandler) Commit(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	var ev types.CommitEvent
	if err := core.DecodeWebhookJSON(w, r, &ev); err != nil {
		h.fail(w, r, serverID, err)
		return
	}
	h.formatAndBroadcast(w, r, serverID, ev)
}

// Test handles /api/webhooks/test/{serverID}.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	serverID, ok := h.serverID(w, r)
	if !ok {
		return
	}
	h.broadcast(w, r, serverID, format.TestMessage())
}

func (h *WebhookHandler) serverID(w http.ResponseWriter, r *http.Request) (string, bool) {
	params := serverParams{ServerID: chi.URLParam(r, "serverID")}
	if err := h.validator.ValidateStruct(params); err != nil {
		h.fail(w, r, params.ServerID, err)
		return "", false
	}
	return params.ServerID, true
}

// formatAndBroadcast renders ev before anything touches the registry, so a
// malformed event costs no lookups.
func (h *WebhookHandler) formatAndBroadcast(w http.ResponseWriter, r *http.Request, serverID string, ev types.NotificationEvent) {
	msg, err := format.Format(ev)
	if err != nil {
		h.fail(w, r, serverID, err)
		return
	}
	if msg.IsEmpty() {
		core.JSON(w, r, http.StatusOK, WebhookResult{Status: StatusSkipped, Reason: "empty_message"})
		return
	}
	h.broadcast(w, r, serverID, msg)
}

type broadcastResult struct {
	report *notify.DeliveryReport
	err    error
}

// broadcast runs the broadcast detached from the request and waits at most
// BroadcastGrace for its report.
func (h *WebhookHandler) broadcast(w http.ResponseWriter, r *http.Request, serverID string, msg format.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.BroadcastTimeout)
	done := make(chan broadcastResult, 1)
	go func() {
		defer cancel()
		report, err := h.broadcaster.Broadcast(ctx, serverID, msg)
		done <- broadcastResult{report: report, err: err}
	}()

	timer := time.NewTimer(h.cfg.BroadcastGrace)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			h.fail(w, r, serverID, res.err)
			return
		}
		h.respond(w, r, res.report)
	case <-timer.C:
		h.logger.Info("broadcast still running, answering queued",
			"server_id", serverID,
			"kind", string(msg.Kind),
			"request_id", types.GetRequestID(r.Context()),
		)
		go h.awaitLate(done, serverID)
		core.JSON(w, r, http.StatusOK, WebhookResult{Status: StatusQueued})
	}
}

// awaitLate logs the outcome of a broadcast that outlived its request.
func (h *WebhookHandler) awaitLate(done <-chan broadcastResult, serverID string) {
	res := <-done
	if res.err != nil {
		h.logger.Error("late broadcast failed", "server_id", serverID, "error", res.err)
		return
	}
	h.logger.Info("late broadcast finished",
		"server_id", serverID,
		"attempted", res.report.Attempted,
		"succeeded", res.report.Succeeded,
		"failed", res.report.Failed,
	)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, r *http.Request, report *notify.DeliveryReport) {
	result := WebhookResult{Status: StatusOK}
	if report == nil {
		core.JSON(w, r, http.StatusOK, result)
		return
	}

	result.Attempted = report.Attempted
	result.Succeeded = report.Succeeded
	result.Failed = report.Failed

	switch {
	case report.Queued:
		result.Status = StatusQueued
	case report.Attempted == 0:
		h.logger.Warn("no subscribers for server id", "server_id", report.ServerID)
	case report.Succeeded == 0:
		result.Status = StatusFailed
		result.Error = string(types.ErrCodeDeliveryFailed)
		w.Header().Set(core.ErrorHeader, result.Error)
	}
	core.JSON(w, r, http.StatusOK, result)
}

// fail answers 200 with the error code of err.
func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, serverID string, err error) {
	code := types.CodeOf(err)
	if code == "" {
		code = types.ErrCodeInternalUnexpected
	}

	log := h.logger.Warn
	if !strings.HasPrefix(string(code), "validation_") {
		log = h.logger.Error
	}
	log("webhook not delivered",
		"server_id", serverID,
		"path", r.URL.Path,
		"error_code", string(code),
		"error", err,
		"request_id", types.GetRequestID(r.Context()),
	)

	w.Header().Set(core.ErrorHeader, string(code))
	core.JSON(w, r, http.StatusOK, WebhookResult{Status: StatusFailed, Error: string(code)})
}

// enrich attaches the changeset's file list. Failures are logged and the
// check-in is rendered without it.
func (h *WebhookHandler) enrich(r *http.Request, ev *types.CommitEvent) {
	auth := r.Header.Get("Authorization")
	if h.changes == nil || auth == "" || ev.Resource.URL == "" || ev.Resource.ChangesetID == "" {
		return
	}

	changes, err := h.changes.Changes(r.Context(), ev.Resource.URL, auth)
	if err != nil {
		h.logger.Warn("changeset enrichment failed",
			"changeset_id", ev.Resource.ChangesetID.String(),
			"error_code", string(types.CodeOf(err)),
			"error", err,
		)
		return
	}
	ev.Changes = changes
}

// branchAliases parses the branches header. A malformed value is ignored.
func (h *WebhookHandler) branchAliases(r *http.Request) map[string]string {
	raw := strings.TrimSpace(r.Header.Get(headerBranches))
	if raw == "" {
		return nil
	}
	var aliases map[string]string
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		h.logger.Warn("ignoring malformed branches header", "error", err)
		return nil
	}
	return aliases
}

func (h *WebhookHandler) reportableStates(r *http.Request) []string {
	if states := format.ParseStateList(r.Header.Values(headerStates)...); len(states) > 0 {
		return states
	}
	return h.cfg.ReportableStates
}

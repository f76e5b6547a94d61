package botframework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

// maxResponseBodyRead limits how much of a response body we read for error
// messages.
const maxResponseBodyRead = 4096

// TrustChecker reports whether a service URL may receive authenticated calls.
type TrustChecker interface {
	IsTrusted(serviceURL string) bool
}

// Connector implements the Bot Framework v3 conversation REST calls.
type Connector struct {
	base  *external.BaseClient
	trust TrustChecker
}

// NewConnector creates a Connector. Every call is refused unless trust
// reports the service URL as trusted.
func NewConnector(base *external.BaseClient, trust TrustChecker) *Connector {
	return &Connector{base: base, trust: trust}
}

// CreateConversation opens a one-to-one conversation between bot and user
// and returns its id.
func (c *Connector) CreateConversation(ctx context.Context, serviceURL, token string, bot, user ChannelAccount) (string, error) {
	params := ConversationParameters{
		Bot:     bot,
		Members: []ChannelAccount{user},
		IsGroup: false,
	}

	var out ConversationResourceResponse
	if err := c.post(ctx, serviceURL, token, "/v3/conversations", params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected, "create conversation returned no id", nil,
			map[string]any{"service_url": serviceURL})
	}
	return out.ID, nil
}

// Send posts a markdown message into an existing conversation.
func (c *Connector) Send(ctx context.Context, serviceURL, token string, act OutboundActivity) error {
	if act.ConversationID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "conversation id is required to send", nil)
	}
	path := "/v3/conversations/" + url.PathEscape(act.ConversationID) + "/activities"
	return c.post(ctx, serviceURL, token, path, act.wire(), nil)
}

func (c *Connector) post(ctx context.Context, serviceURL, token, path string, body, out any) error {
	if !c.trust.IsTrusted(serviceURL) {
		return types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed, "service url is not trusted", nil,
			map[string]any{"service_url": serviceURL})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode bot framework request", err)
	}

	endpoint := strings.TrimRight(serviceURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidParam, "invalid bot framework endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("bot framework returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			nil,
			map[string]any{"status": resp.StatusCode, "path": path},
		)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyRead))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyRead)).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamRejected, "failed to decode bot framework response", err)
	}
	return nil
}

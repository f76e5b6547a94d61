// Package tfs reads changeset details back from the TFS / Azure DevOps REST
// API so check-in notifications can list the files they touched.
package tfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

// branchPattern extracts the branch from a TFVC server path
// ($/{project}/{branch}/...).
var branchPattern = regexp.MustCompile(`^\$/([^/]+)/([^/]+)`)

type changesetInfo struct {
	Links struct {
		Changes struct {
			Href string `json:"href"`
		} `json:"changes"`
	} `json:"_links"`
}

type changesCollection struct {
	Count int `json:"count"`
	Value []struct {
		ChangeType string `json:"changeType"`
		Item       struct {
			Path string `json:"path"`
		} `json:"item"`
	} `json:"value"`
}

// Client fetches changeset file lists.
type Client struct {
	base *external.BaseClient
}

func NewClient(base *external.BaseClient) *Client {
	return &Client{base: base}
}

// Changes resolves the changes link of the changeset at changesetURL and
// returns its file list. authorization is the inbound webhook's
// Authorization header and is forwarded unchanged.
func (c *Client) Changes(ctx context.Context, changesetURL, authorization string) ([]types.FileChange, error) {
	if changesetURL == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"changeset url is required", nil, map[string]any{"field": "resource.url"})
	}
	if len(strings.Fields(authorization)) != 2 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidParam,
			"authorization header must be '<scheme> <credentials>'", nil)
	}

	var info changesetInfo
	if err := c.getJSON(ctx, changesetURL, authorization, &info); err != nil {
		return nil, err
	}
	if info.Links.Changes.Href == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "changeset has no changes link", nil)
	}

	var coll changesCollection
	if err := c.getJSON(ctx, info.Links.Changes.Href, authorization, &coll); err != nil {
		return nil, err
	}

	changes := make([]types.FileChange, 0, len(coll.Value))
	for _, v := range coll.Value {
		if v.Item.Path == "" {
			continue
		}
		changes = append(changes, types.FileChange{
			Path:   v.Item.Path,
			Branch: BranchOf(v.Item.Path),
			Change: types.ParseChangeType(v.ChangeType),
		})
	}
	return changes, nil
}

// BranchOf returns the branch segment of a server path, or "".
func BranchOf(path string) string {
	m := branchPattern.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[2]
}

func (c *Client) getJSON(ctx context.Context, url, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidParam, "invalid tfs url", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("tfs returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil,
			map[string]any{"status": resp.StatusCode, "host": req.URL.Host})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamRejected, "failed to decode tfs response", err)
	}
	return nil
}

package format

import (
	"strings"

	"hookrelay/internal/types"
)

// SkipReason explains why a work item update produced no notification.
type SkipReason string

const (
	SkipStateUnchanged    SkipReason = "state_unchanged"
	SkipStateNotReported  SkipReason = "state_not_reportable"
	SkipChangesetLinkOnly SkipReason = "changeset_link"
)

// fixedInChangeset is the relation name TFS uses when a check-in resolves
// a work item.
const fixedInChangeset = "Fixed in Changeset"

// ItemFilter decides whether a work item update is worth a broadcast.
// An empty ReportableStates reports every state.
type ItemFilter struct {
	ReportableStates []string
	// IncludeChangesetLinks reports updates that link a changeset; the
	// check-in itself is usually announced already.
	IncludeChangesetLinks bool
}

// Evaluate returns ("", true) when the update should be broadcast.
func (f ItemFilter) Evaluate(ev types.ItemStateChangedEvent) (SkipReason, bool) {
	_, newState, ok := ev.Resource.StateChange()
	if !ok {
		return SkipStateUnchanged, false
	}

	if len(f.ReportableStates) > 0 && !containsFold(f.ReportableStates, newState) {
		return SkipStateNotReported, false
	}

	if !f.IncludeChangesetLinks && linksChangeset(ev.Resource.Relations) {
		return SkipChangesetLinkOnly, false
	}

	return "", true
}

func linksChangeset(rel *types.RelationChanges) bool {
	if rel == nil {
		return false
	}
	for _, r := range rel.Added {
		if name, ok := r.Attributes["name"].(string); ok && name == fixedInChangeset {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

// ParseStateList splits header or config values such as
// "Resolved, Closed" into individual states.
func ParseStateList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

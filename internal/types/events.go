package types

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventKind tags the variants of NotificationEvent.
type EventKind string

const (
	EventKindPush             EventKind = "push"
	EventKindCommit           EventKind = "commit"
	EventKindPullRequest      EventKind = "pull_request"
	EventKindBuild            EventKind = "build"
	EventKindItemStateChanged EventKind = "item_state_changed"

	// EventKindTest marks the connectivity message sent by the test route.
	EventKindTest EventKind = "test"
)

// NotificationEvent is the closed set of inbound events that can be turned
// into a notification. Only types in this package implement it.
type NotificationEvent interface {
	Kind() EventKind
	notificationEvent()
}

// FlexString accepts both JSON strings and JSON numbers. TFS sends numeric
// ids for changesets, work items and pull requests.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the raw value.
func (f FlexString) String() string { return string(f) }

// EventMessage is the pre-rendered text TFS attaches to every service hook.
type EventMessage struct {
	Text     string `json:"text"`
	HTML     string `json:"html"`
	Markdown string `json:"markdown"`
}

// IdentityRef names a TFS user.
type IdentityRef struct {
	DisplayName string `json:"displayName" validate:"required"`
	UniqueName  string `json:"uniqueName"`
}

// WorkItemRef is a work item linked to a changeset.
type WorkItemRef struct {
	ID           FlexString `json:"id"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	WebURL       string     `json:"webUrl"`
	WorkItemType string     `json:"workItemType"`
	AssignedTo   string     `json:"assignedTo"`
}

// --- Push (GitLab) ---

// PushEvent is a GitLab push hook.
type PushEvent struct {
	UserName          string       `json:"user_name" validate:"required"`
	Ref               string       `json:"ref" validate:"required"`
	Before            string       `json:"before"`
	After             string       `json:"after"`
	TotalCommitsCount int          `json:"total_commits_count"`
	Commits           []PushCommit `json:"commits" validate:"dive"`
}

// PushCommit is one commit of a push.
type PushCommit struct {
	ID       string    `json:"id" validate:"required"`
	Message  string    `json:"message"`
	URL      string    `json:"url"`
	Author   GitAuthor `json:"author"`
	Added    []string  `json:"added"`
	Modified []string  `json:"modified"`
	Removed  []string  `json:"removed"`
}

// GitAuthor is a commit author as reported by GitLab.
type GitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (PushEvent) Kind() EventKind  { return EventKindPush }
func (PushEvent) notificationEvent() {}

// --- Commit (TFS check-in) ---

// CommitEvent is a TFVC check-in service hook.
type CommitEvent struct {
	EventType string          `json:"eventType"`
	Message   EventMessage    `json:"message"`
	Resource  CheckinResource `json:"resource"`

	// Filled by the inbound boundary, never by the payload.
	Banner        string            `json:"-"`
	Changes       []FileChange      `json:"-"`
	BranchAliases map[string]string `json:"-"`
}

// CheckinResource is the changeset carried by a check-in hook.
type CheckinResource struct {
	ChangesetID FlexString    `json:"changesetId" validate:"required"`
	URL         string        `json:"url"`
	Author      IdentityRef   `json:"author"`
	CheckedInBy *IdentityRef  `json:"checkedInBy" validate:"-"`
	Comment     string        `json:"comment"`
	CreatedDate string        `json:"createdDate"`
	WorkItems   []WorkItemRef `json:"workItems"`
}

func (CommitEvent) Kind() EventKind  { return EventKindCommit }
func (CommitEvent) notificationEvent() {}

// ChangeType classifies a file change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ParseChangeType maps a TFS change type ("add", "edit", "delete",
// "add, edit, encoding", "rename") onto the three rendered sections.
func ParseChangeType(raw string) ChangeType {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "delete"):
		return ChangeRemoved
	case strings.Contains(lower, "add"), strings.Contains(lower, "branch"), strings.Contains(lower, "undelete"):
		return ChangeAdded
	default:
		return ChangeModified
	}
}

// FileChange is one path touched by a changeset.
type FileChange struct {
	Path   string     `json:"path"`
	Branch string     `json:"branch"`
	Change ChangeType `json:"change"`
}

// --- Pull request ---

// PullRequestEvent is a git.pullrequest.* service hook.
type PullRequestEvent struct {
	EventType string              `json:"eventType"`
	Message   EventMessage        `json:"message"`
	Resource  PullRequestResource `json:"resource"`
}

// PullRequestResource is the pull request carried by the hook.
type PullRequestResource struct {
	PullRequestID FlexString    `json:"pullRequestId" validate:"required"`
	Title         string        `json:"title" validate:"required"`
	Description   string        `json:"description"`
	Status        string        `json:"status"`
	CreatedBy     *IdentityRef  `json:"createdBy" validate:"-"`
	Repository    RepositoryRef `json:"repository"`
}

// RepositoryRef locates the repository of a pull request.
type RepositoryRef struct {
	Name      string `json:"name"`
	RemoteURL string `json:"remoteUrl"`
}

// PullRequestCreated is the event type that carries the full description.
const PullRequestCreated = "git.pullrequest.created"

func (PullRequestEvent) Kind() EventKind  { return EventKindPullRequest }
func (PullRequestEvent) notificationEvent() {}

// --- Build ---

// BuildEvent is a build.complete service hook.
type BuildEvent struct {
	EventType string        `json:"eventType"`
	Message   EventMessage  `json:"message"`
	Resource  BuildResource `json:"resource"`
}

// BuildResource is the build carried by the hook.
type BuildResource struct {
	BuildNumber  string       `json:"buildNumber" validate:"required"`
	URL          string       `json:"url"`
	Status       string       `json:"status"`
	Result       string       `json:"result"`
	RequestedFor *IdentityRef `json:"requestedFor" validate:"-"`
}

func (BuildEvent) Kind() EventKind  { return EventKindBuild }
func (BuildEvent) notificationEvent() {}

// --- Work item state change ---

// ItemStateChangedEvent is a workitem.updated service hook.
type ItemStateChangedEvent struct {
	EventType       string         `json:"eventType"`
	Message         EventMessage   `json:"message"`
	DetailedMessage EventMessage   `json:"detailedMessage"`
	Resource        WorkItemUpdate `json:"resource"`
}

// WorkItemUpdate is one revision of a work item.
type WorkItemUpdate struct {
	ID         FlexString             `json:"id"`
	WorkItemID FlexString             `json:"workItemId" validate:"required"`
	Rev        FlexString             `json:"rev"`
	RevisedBy  *IdentityRef           `json:"revisedBy" validate:"-"`
	Fields     map[string]FieldChange `json:"fields"`
	Relations  *RelationChanges       `json:"relations" validate:"-"`
}

// FieldChange holds the old and new value of an updated field.
type FieldChange struct {
	OldValue any `json:"oldValue"`
	NewValue any `json:"newValue"`
}

// RelationChanges lists links added to, removed from or updated on an item.
type RelationChanges struct {
	Added   []Relation `json:"added"`
	Removed []Relation `json:"removed"`
	Updated []Relation `json:"updated"`
}

// Relation is a work item link.
type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes"`
}

// StateField is the work item field that carries the workflow state.
const StateField = "System.State"

// StateChange returns the old and new workflow state. ok is false when the
// update does not touch the state or the new value is not a string.
func (u WorkItemUpdate) StateChange() (oldState, newState string, ok bool) {
	change, found := u.Fields[StateField]
	if !found {
		return "", "", false
	}
	newState, ok = change.NewValue.(string)
	if !ok || newState == "" {
		return "", "", false
	}
	oldState, _ = change.OldValue.(string)
	return oldState, newState, true
}

func (ItemStateChangedEvent) Kind() EventKind  { return EventKindItemStateChanged }
func (ItemStateChangedEvent) notificationEvent() {}

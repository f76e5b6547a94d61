// Package format turns inbound webhook events into chat notifications.
//
// Every formatter is a pure function from one types.NotificationEvent
// variant to a Message. The first line always identifies the event; the
// body follows after a blank separator line. Markup tags are stripped from
// every line before it is kept.
package format

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"hookrelay/internal/types"
)

const (
	// shortIDLength is the number of characters a commit id is truncated to.
	shortIDLength = 8

	// NoCommentPlaceholder replaces a blank check-in comment.
	NoCommentPlaceholder = "no comment provided"
	// NoDescriptionPlaceholder replaces a blank pull request description.
	NoDescriptionPlaceholder = "no description provided"

	// TestText is the body of the connectivity check message.
	TestText = "webhooks are working"
)

var validate = validator.New()

// Message is a formatted notification: an ordered list of lines, joined by
// a single newline before delivery.
type Message struct {
	Kind  types.EventKind
	Lines []string
}

// Text joins the lines for delivery.
func (m Message) Text() string {
	return strings.Join(m.Lines, "\n")
}

// IsEmpty reports whether the message has no visible content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text()) == ""
}

// Header returns the first line, or "".
func (m Message) Header() string {
	if len(m.Lines) == 0 {
		return ""
	}
	return m.Lines[0]
}

// FromLines rebuilds a Message from queued lines.
func FromLines(kind types.EventKind, lines []string) Message {
	b := newLineBuilder()
	for _, l := range lines {
		if l == "" {
			b.separator()
			continue
		}
		b.add(l)
	}
	return Message{Kind: kind, Lines: b.build()}
}

// TestMessage is sent by the webhook test route.
func TestMessage() Message {
	return Message{Kind: types.EventKindTest, Lines: []string{TestText}}
}

// Format dispatches ev to the formatter of its kind.
func Format(ev types.NotificationEvent) (Message, error) {
	switch e := ev.(type) {
	case types.PushEvent:
		return FormatPush(e)
	case *types.PushEvent:
		return FormatPush(*e)
	case types.CommitEvent:
		return FormatCommit(e)
	case *types.CommitEvent:
		return FormatCommit(*e)
	case types.PullRequestEvent:
		return FormatPullRequest(e)
	case *types.PullRequestEvent:
		return FormatPullRequest(*e)
	case types.BuildEvent:
		return FormatBuild(e)
	case *types.BuildEvent:
		return FormatBuild(*e)
	case types.ItemStateChangedEvent:
		return FormatItemStateChanged(e)
	case *types.ItemStateChangedEvent:
		return FormatItemStateChanged(*e)
	default:
		return Message{}, types.NewAppError(types.ErrCodeMalformedEvent,
			fmt.Sprintf("unsupported event %T", ev), nil)
	}
}

// ShortID truncates a commit identifier for display.
func ShortID(id string) string {
	r := []rune(id)
	if len(r) <= shortIDLength {
		return id
	}
	return string(r[:shortIDLength])
}

// checkRequired validates the struct tags of an event and converts the
// failures into a MalformedEvent error listing the offending fields.
func checkRequired(kind types.EventKind, ev any, extra ...string) error {
	missing := append([]string(nil), extra...)

	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return types.NewAppError(types.ErrCodeMalformedEvent,
				fmt.Sprintf("%s event could not be validated", kind), err)
		}
		for _, fe := range verrs {
			missing = append(missing, trimNamespace(fe.Namespace()))
		}
	}

	if len(missing) == 0 {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeMalformedEvent,
		fmt.Sprintf("%s event is missing required fields: %s", kind, strings.Join(missing, ", ")),
		nil,
		map[string]any{"kind": string(kind), "fields": missing},
	)
}

// trimNamespace drops the root type name from a validator namespace
// ("PushEvent.Commits[0].ID" becomes "Commits[0].ID").
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// workItemLine renders "[id](url) - title (state)", omitting the parts
// that are unknown.
func workItemLine(w types.WorkItemRef) string {
	id := strings.TrimSpace(w.ID.String())
	ref := id
	if w.WebURL != "" && id != "" {
		ref = fmt.Sprintf("[%s](%s)", id, w.WebURL)
	}

	line := ref
	if title := strings.TrimSpace(w.Title); title != "" {
		if line != "" {
			line += " - "
		}
		line += title
	}
	if state := strings.TrimSpace(w.State); state != "" {
		line += " (" + state + ")"
	}
	return line
}

// addWorkItems appends the work item section when at least one item renders
// a non-blank line.
func addWorkItems(b *lineBuilder, items []types.WorkItemRef) {
	var lines []string
	for _, w := range items {
		if line := workItemLine(w); strings.TrimSpace(StripMarkup(line)) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return
	}
	b.separator()
	b.section("Work items", lines)
}

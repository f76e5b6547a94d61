package format

import (
	"fmt"
	"strings"

	"hookrelay/internal/types"
)

// FormatItemStateChanged renders a work item state transition. The body is
// the detailed markdown TFS renders for the update, with blank lines
// collapsed.
func FormatItemStateChanged(ev types.ItemStateChangedEvent) (Message, error) {
	oldState, newState, ok := ev.Resource.StateChange()
	var extra []string
	if !ok {
		extra = append(extra, "Resource.Fields["+types.StateField+"]")
	}
	if err := checkRequired(types.EventKindItemStateChanged, ev, extra...); err != nil {
		return Message{}, err
	}

	transition := singleLine(newState)
	if oldState != "" {
		transition = fmt.Sprintf("%s -> %s", singleLine(oldState), transition)
	}
	header := fmt.Sprintf("ITEM %s %s", strings.TrimSpace(ev.Resource.WorkItemID.String()), transition)
	if by := ev.Resource.RevisedBy; by != nil && strings.TrimSpace(by.DisplayName) != "" {
		header += " by " + singleLine(by.DisplayName)
	}

	body := ev.DetailedMessage.Markdown
	if strings.TrimSpace(body) == "" {
		body = ev.Message.Markdown
	}

	b := newLineBuilder()
	b.add(header)
	b.separator()
	b.addText(body)

	return Message{Kind: types.EventKindItemStateChanged, Lines: b.build()}, nil
}

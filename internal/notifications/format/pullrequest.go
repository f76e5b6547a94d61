package format

import (
	"fmt"
	"strings"

	"hookrelay/internal/types"
)

// FormatPullRequest renders a pull request hook. Created events also carry
// the description.
func FormatPullRequest(ev types.PullRequestEvent) (Message, error) {
	if err := checkRequired(types.EventKindPullRequest, ev); err != nil {
		return Message{}, err
	}

	res := ev.Resource
	id := strings.TrimSpace(res.PullRequestID.String())

	b := newLineBuilder()
	b.add(fmt.Sprintf("PR%s %s", id, singleLine(res.Title)))
	b.separator()
	b.addText(ev.Message.Markdown)
	if remote := strings.TrimRight(res.Repository.RemoteURL, "/"); remote != "" {
		b.add(fmt.Sprintf("[link](%s/pullrequest/%s?view=files)", remote, id))
	}

	if ev.EventType == types.PullRequestCreated {
		description := strings.TrimSpace(res.Description)
		if description == "" {
			description = NoDescriptionPlaceholder
		}
		b.separator()
		b.addText(description)
	}

	return Message{Kind: types.EventKindPullRequest, Lines: b.build()}, nil
}

package format

import (
	"fmt"
	"strings"

	"hookrelay/internal/types"
)

// FormatPush renders a GitLab push:
//
//	PUSHED by {user} in {ref}
//
//	Commit {id8} (author {name})
//	Added
//	{path}
//	{message}
//
//	Commit ...
func FormatPush(ev types.PushEvent) (Message, error) {
	if err := checkRequired(types.EventKindPush, ev); err != nil {
		return Message{}, err
	}

	b := newLineBuilder()
	b.add(fmt.Sprintf("PUSHED by %s in %s", singleLine(ev.UserName), singleLine(ev.Ref)))

	for _, c := range ev.Commits {
		b.separator()
		b.add(pushCommitHeader(c))
		b.section("Added", c.Added)
		b.section("Modified", c.Modified)
		b.section("Removed", c.Removed)
		b.addText(strings.TrimSpace(c.Message))
	}

	return Message{Kind: types.EventKindPush, Lines: b.build()}, nil
}

func pushCommitHeader(c types.PushCommit) string {
	id := ShortID(strings.TrimSpace(c.ID))
	if c.URL != "" {
		id = fmt.Sprintf("[%s](%s)", id, c.URL)
	}
	header := "Commit " + id
	if name := singleLine(c.Author.Name); name != "" {
		header += fmt.Sprintf(" (author %s)", name)
	}
	return header
}

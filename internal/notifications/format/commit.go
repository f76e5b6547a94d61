package format

import (
	"fmt"
	"regexp"
	"strings"

	"hookrelay/internal/types"
)

// FormatCommit renders a TFVC check-in. The changeset link is recovered
// from the pre-rendered markdown, since the resource URL points at the REST
// API rather than the web UI.
func FormatCommit(ev types.CommitEvent) (Message, error) {
	if err := checkRequired(types.EventKindCommit, ev); err != nil {
		return Message{}, err
	}

	res := ev.Resource
	id := strings.TrimSpace(res.ChangesetID.String())
	subject := ShortID(id)
	if link := changesetLink(ev.Message.Markdown, id); link != "" {
		subject = fmt.Sprintf("[%s](%s)", subject, link)
	}

	comment := singleLine(res.Comment)
	if comment == "" {
		comment = NoCommentPlaceholder
	}

	b := newLineBuilder()
	b.add(fmt.Sprintf("COMMIT %s %s checked in: %s", subject, singleLine(res.Author.DisplayName), comment))
	b.add(ev.Banner)
	b.separator()

	for _, g := range groupChanges(ev.Changes, ev.BranchAliases) {
		b.add(g.title)
		b.section("Added", g.added)
		b.section("Modified", g.modified)
		b.section("Removed", g.removed)
	}

	addWorkItems(b, res.WorkItems)

	return Message{Kind: types.EventKindCommit, Lines: b.build()}, nil
}

// changesetLink finds the target of "[{id}](target)" in markdown.
func changesetLink(markdown, id string) string {
	if markdown == "" || id == "" {
		return ""
	}
	re, err := regexp.Compile(`\[` + regexp.QuoteMeta(id) + `\]\(([^)\s]+)\)`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(markdown); len(m) == 2 {
		return m[1]
	}
	return ""
}

type changeGroup struct {
	title    string
	added    []string
	modified []string
	removed  []string
}

// otherBranch titles changes whose path carries no branch segment.
const otherBranch = "other"

// groupChanges buckets changes by branch. Branches with an alias come
// first, under their alias; the rest follow in first-seen order.
func groupChanges(changes []types.FileChange, aliases map[string]string) []changeGroup {
	if len(changes) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string]*changeGroup)
	for _, c := range changes {
		branch := c.Branch
		g, ok := groups[branch]
		if !ok {
			title := branch
			if alias, found := aliases[branch]; found && alias != "" {
				title = alias
			} else if title == "" {
				title = otherBranch
			}
			g = &changeGroup{title: title}
			groups[branch] = g
			order = append(order, branch)
		}
		switch c.Change {
		case types.ChangeAdded:
			g.added = append(g.added, c.Path)
		case types.ChangeRemoved:
			g.removed = append(g.removed, c.Path)
		default:
			g.modified = append(g.modified, c.Path)
		}
	}

	out := make([]changeGroup, 0, len(order))
	for _, pass := range []bool{true, false} {
		for _, branch := range order {
			if _, aliased := aliases[branch]; aliased == pass {
				out = append(out, *groups[branch])
			}
		}
	}
	return out
}

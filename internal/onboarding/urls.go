package onboarding

import (
	"fmt"
	"strings"
)

// Link is a titled webhook URL shown to the user.
type Link struct {
	Title string
	URL   string
}

// WebhookLinks lists every inbound route a server id can be wired to.
func WebhookLinks(publicURL, serverID string) []Link {
	base := strings.TrimRight(publicURL, "/")
	return []Link{
		{"GitLab Push", fmt.Sprintf("%s/gitlab/push/%s", base, serverID)},
		{"TFS Checked In", fmt.Sprintf("%s/tfs/commit/%s", base, serverID)},
		{"TFS Work Item Updated", fmt.Sprintf("%s/tfs/itemupdate/%s", base, serverID)},
		{"TFS Check clients", fmt.Sprintf("%s/tfs/setup/%s", base, serverID)},
		{"Pull Request", fmt.Sprintf("%s/api/webhooks/pullrequest/%s", base, serverID)},
		{"Build", fmt.Sprintf("%s/api/webhooks/build/%s", base, serverID)},
		{"Commit", fmt.Sprintf("%s/api/webhooks/commit/%s", base, serverID)},
		{"Test", fmt.Sprintf("%s/api/webhooks/test/%s", base, serverID)},
	}
}

func renderLinks(links []Link) []string {
	lines := make([]string, 0, len(links)+1)
	lines = append(lines, "*URLs:*")
	for _, l := range links {
		lines = append(lines, fmt.Sprintf("[%s](%s)", l.Title, l.URL))
	}
	return lines
}

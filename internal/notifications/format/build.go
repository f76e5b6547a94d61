package format

import (
	"fmt"

	"hookrelay/internal/types"
)

// FormatBuild renders a build completion hook.
func FormatBuild(ev types.BuildEvent) (Message, error) {
	if err := checkRequired(types.EventKindBuild, ev); err != nil {
		return Message{}, err
	}

	b := newLineBuilder()
	b.add("BUILD " + singleLine(ev.Resource.BuildNumber))
	b.separator()
	b.addText(ev.Message.Markdown)
	if ev.Resource.URL != "" {
		b.add(fmt.Sprintf("[link](%s)", ev.Resource.URL))
	}

	return Message{Kind: types.EventKindBuild, Lines: b.build()}, nil
}

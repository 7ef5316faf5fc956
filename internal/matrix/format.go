// ABOUTME: Markdown rendering for outbound Matrix messages using goldmark
// ABOUTME: Plain text is sent as-is; markdown gets an org.matrix.custom.html formatted body

package matrix

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderMarkdown converts text to HTML. ok is false when the text has no
// markup worth sending, so the plain body is enough.
func renderMarkdown(text string) (rendered string, ok bool) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	rendered = strings.TrimSpace(buf.String())

	if rendered == "<p>"+html.EscapeString(text)+"</p>" {
		return "", false
	}

	// Matrix clients render a single paragraph better without the wrapper.
	if strings.HasPrefix(rendered, "<p>") && strings.HasSuffix(rendered, "</p>") &&
		strings.Count(rendered, "<p>") == 1 {
		rendered = strings.TrimSuffix(strings.TrimPrefix(rendered, "<p>"), "</p>")
	}
	return rendered, true
}

func messageContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if rendered, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = rendered
	}
	return content
}

// ABOUTME: Tests for outbound message formatting
// ABOUTME: Plain text stays unformatted, markdown gets an HTML body

package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
)

func TestMessageContent_PlainText(t *testing.T) {
	content := messageContent("hello there")

	assert.Equal(t, event.MsgText, content.MsgType)
	assert.Equal(t, "hello there", content.Body)
	assert.Empty(t, content.Format)
	assert.Empty(t, content.FormattedBody)
}

func TestMessageContent_Markdown(t *testing.T) {
	content := messageContent("**Ticket created** for you")

	assert.Equal(t, "**Ticket created** for you", content.Body, "body keeps the raw text")
	assert.Equal(t, event.FormatHTML, content.Format)
	assert.Equal(t, "<strong>Ticket created</strong> for you", content.FormattedBody)
}

func TestRenderMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantOK   bool
		contains string
	}{
		{name: "plain", input: "just words", wantOK: false},
		{name: "emphasis", input: "an *important* note", wantOK: true, contains: "<em>important</em>"},
		{name: "list", input: "- one\n- two", wantOK: true, contains: "<li>one</li>"},
		{name: "strikethrough", input: "~~gone~~", wantOK: true, contains: "<del>gone</del>"},
		{name: "raw html is dropped", input: "<script>x</script>", wantOK: true, contains: "<!-- raw HTML omitted -->"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := renderMarkdown(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.contains != "" {
				assert.Contains(t, got, tt.contains)
			}
		})
	}
}

func TestRenderMarkdown_MultipleParagraphsKeepWrappers(t *testing.T) {
	got, ok := renderMarkdown("first\n\nsecond")
	assert.True(t, ok)
	assert.Contains(t, got, "<p>first</p>")
	assert.Contains(t, got, "<p>second</p>")
}

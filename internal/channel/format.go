package channel

import (
	"strings"

	"coderun/internal/domain"
)

// FormatResult renders an outbound message as chat text: the first answer
// under "Response:" and the extracted block under "Code:", each fenced as
// Python, or the error line when the query failed.
func FormatResult(msg domain.OutboundMessage) string {
	if msg.Failed() {
		return "An error occurred: " + msg.Error
	}
	var sb strings.Builder
	sb.WriteString("Response:\n")
	writeFenced(&sb, msg.Generated)
	sb.WriteString("\nCode:\n")
	writeFenced(&sb, msg.Code)
	return strings.TrimRight(sb.String(), "\n")
}

func writeFenced(sb *strings.Builder, code string) {
	sb.WriteString("```python\n")
	sb.WriteString(strings.TrimRight(code, "\n"))
	sb.WriteString("\n```\n")
}

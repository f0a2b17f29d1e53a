package rag

import (
	"fmt"
	"strings"
)

// FormatContext renders retrieved chunks as the context block embedded in
// the system prompt. Each excerpt is headed by its bracketed citation
// index so the model's citations line up with the sources event sent to
// the client. Pure; returns "" for no chunks.
func FormatContext(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		header := fmt.Sprintf("[%d]", c.Index)
		if c.Title != "" {
			header += " " + c.Title
		}
		if c.Source != "" {
			header += " (" + c.Source + ")"
		}
		sb.WriteString(header)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Content))
	}
	return sb.String()
}

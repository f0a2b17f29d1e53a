package llm

import "strings"

// LineBuffer reassembles complete lines from arbitrarily-split byte chunks.
// Push-based: feed bytes, get back finished lines. Independent of the outer
// transport so the wire parser can be tested without any I/O.
type LineBuffer struct {
	pending strings.Builder
}

// Feed appends b and returns every line completed by it, without trailing
// line terminators. A partial tail is buffered for the next Feed.
func (lb *LineBuffer) Feed(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lb.pending.Write(b)
	data := lb.pending.String()
	if !strings.Contains(data, "\n") {
		return nil
	}
	parts := strings.Split(data, "\n")
	tail := parts[len(parts)-1]
	lb.pending.Reset()
	lb.pending.WriteString(tail)

	lines := make([]string, 0, len(parts)-1)
	for _, line := range parts[:len(parts)-1] {
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	return lines
}

// Flush returns whatever partial line remains buffered, if any.
func (lb *LineBuffer) Flush() (string, bool) {
	rest := lb.pending.String()
	lb.pending.Reset()
	if rest == "" {
		return "", false
	}
	return strings.TrimRight(rest, "\r"), true
}

package pipeline

import (
	"strings"
	"sync"
)

const maxTranscriptLines = 40

// transcriptLog is the in-memory rolling conversation history per lead. It
// only feeds model prompts; durable records live elsewhere.
type transcriptLog struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newTranscriptLog() *transcriptLog {
	return &transcriptLog{lines: make(map[string][]string)}
}

func (t *transcriptLog) append(userID string, speaker string, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := append(t.lines[userID], speaker+": "+text)
	if len(lines) > maxTranscriptLines {
		lines = lines[len(lines)-maxTranscriptLines:]
	}
	t.lines[userID] = lines
}

func (t *transcriptLog) render(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines[userID], "\n")
}

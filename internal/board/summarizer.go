package board

import (
	"context"
)

// Summarizer bounds a phase context document before it is attached to a
// ticket. Implementations may call out to an external model; the default
// simply truncates.
type Summarizer interface {
	Summarize(ctx context.Context, text string, limit int) (string, error)
}

// TruncateSummarizer cuts the document at the limit on a rune boundary.
type TruncateSummarizer struct{}

// Summarize returns the text unchanged when it fits, else a truncated
// prefix with an ellipsis marker.
func (TruncateSummarizer) Summarize(_ context.Context, text string, limit int) (string, error) {
	return truncate(text, limit), nil
}

func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	const marker = "\n[truncated]"
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + marker
}

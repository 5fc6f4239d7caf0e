package core

import "strings"

const (
	titleWordLimit = 5
	titleEllipsis  = "..."
)

// DeriveTitle names a conversation after the first five words of its opening
// message, marking the cut with an ellipsis.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) <= titleWordLimit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWordLimit], " ") + titleEllipsis
}

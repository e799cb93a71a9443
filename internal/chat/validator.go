package chat

import (
	"strings"
	"unicode/utf8"
)

// MaxContentChars is the longest message accepted, counted in characters.
const MaxContentChars = 500

// ValidateContent checks a draft before it is sent. Surrounding whitespace
// only matters for the emptiness check; the draft is stored as typed.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(content) {
		return ErrInvalidMessage
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return ErrMessageTooLong
	}
	return nil
}

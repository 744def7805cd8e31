package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max payload
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyContent is returned for content that is empty after trimming.
var ErrEmptyContent = errors.New("chat: message content is empty")

// ValidateContent trims surrounding whitespace from text and checks the
// result against the content limits. It returns the trimmed text.
func ValidateContent(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyContent
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}

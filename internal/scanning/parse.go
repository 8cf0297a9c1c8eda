package scanning

import (
	"errors"
	"strings"
)

// ErrNoText is returned when the recognizer answered with nothing usable.
var ErrNoText = errors.New("no text recognized in document")

// cleanRecognizedText strips markdown fences the models like to add and
// normalizes line endings.
func cleanRecognizedText(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks, with or without a language tag
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if i := strings.Index(text, "\n"); i >= 0 && !strings.ContainsAny(text[:i], " \t") {
			text = text[i+1:]
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

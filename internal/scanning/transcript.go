package scanning

import (
	"fmt"
	"strings"
)

// cleanTranscript strips model decoration from a transcription and reports
// an empty result as an extraction failure.
func cleanTranscript(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)

	// Remove markdown code fences if present
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl != -1 {
			text = text[nl+1:]
		} else {
			text = ""
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	text = strings.TrimSpace(strings.Join(kept, "\n"))

	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrExtraction)
	}
	return text, nil
}

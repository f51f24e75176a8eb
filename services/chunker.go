package services

import "unicode/utf8"

// SplitFixed splits text into contiguous segments of at most maxRunes code
// points, preserving order. The last segment may be shorter. Concatenating
// the result always reproduces text; empty text yields no segments.
// maxRunes below 1 is treated as 1.
func SplitFixed(text string, maxRunes int) []string {
	if text == "" {
		return nil
	}
	if maxRunes < 1 {
		maxRunes = 1
	}

	chunks := make([]string, 0, utf8.RuneCountInString(text)/maxRunes+1)
	start, count := 0, 0
	for i := range text {
		if count == maxRunes {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}

package channels

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minFenceChunk is the smallest limit at which split code blocks are
// reopened.
const minFenceChunk = 64

// SplitReply splits text into pieces of at most maxRunes runes. It breaks
// at paragraph breaks, then newlines, then spaces, and only splits a word
// when nothing else fits. A fenced code block cut in two is closed at the
// end of one piece and reopened at the start of the next.
func SplitReply(text string, maxRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > maxRunes {
		// Leave room to close a fence.
		limit := byteOffset(remaining, maxRunes-4)
		cut := breakPoint(remaining[:limit])

		chunk := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		fence, open := openFence(chunk)
		if open && chunk == fence {
			cut = limit
			chunk = remaining[:cut]
		}
		rest := strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		if open && maxRunes >= minFenceChunk {
			chunk += "\n```"
			rest = fence + "\n" + rest
		}
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = rest
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func breakPoint(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i
	}
	if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
		return i
	}
	return len(window)
}

// openFence reports whether text ends inside a ``` block and returns the
// line that opened it.
func openFence(text string) (string, bool) {
	var opener string
	open := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			continue
		}
		open = true
		opener = trimmed
	}
	return opener, open
}

// byteOffset returns the byte index of the n-th rune of s, at least one
// rune in.
func byteOffset(s string, n int) int {
	if n < 1 {
		n = 1
	}
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

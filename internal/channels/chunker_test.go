package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitReply(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"empty", "  ", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"no limit", strings.Repeat("a", 50), 0, []string{strings.Repeat("a", 50)}},
		{"paragraph", "first part\n\nsecond part", 16, []string{"first part", "second part"}},
		{"words", "one two three four", 12, []string{"one two", "three four"}},
		{"hard break", strings.Repeat("x", 20), 14, []string{strings.Repeat("x", 10), strings.Repeat("x", 10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitReply(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("SplitReply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitReplyReopensCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("Here you go:\n```go\n")
	for i := 0; i < 30; i++ {
		b.WriteString("fmt.Println(\"line\")\n")
	}
	b.WriteString("```\nDone.")

	chunks := SplitReply(b.String(), 200)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 200 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if strings.Count(c, "```")%2 != 0 {
			t.Errorf("chunk %d leaves a fence open:\n%s", i, c)
		}
	}
	if !strings.HasPrefix(chunks[1], "```go\n") {
		t.Errorf("second chunk should reopen the block: %.20q", chunks[1])
	}
}

func TestSplitReplyRunes(t *testing.T) {
	text := strings.Repeat("é", 30)
	chunks := SplitReply(text, 20)
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk split a rune: %q", c)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks lost content")
	}
}

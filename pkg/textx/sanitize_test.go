// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("สวัสดีครับ", 6); got != "สวัสดี…" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := TruncateRunes("short", 10); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := TruncateRunes("anything", 0); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}

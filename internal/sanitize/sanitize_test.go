package sanitize

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text unchanged", "hello world", "hello world"},
		{"crlf normalized", "a\r\nb", "a\nb"},
		{"bare cr normalized", "a\rb", "a\nb"},
		{"sgr color codes stripped", "\x1b[31mred\x1b[0m", "red"},
		{"cursor movement stripped", "\x1b[2J\x1b[Hcleared", "cleared"},
		{"osc title stripped bel", "\x1b]0;my title\x07rest", "rest"},
		{"osc title stripped st", "\x1b]0;my title\x1b\\rest", "rest"},
		{"tab and newline preserved", "a\tb\nc", "a\tb\nc"},
		{"null byte stripped", "a\x00b", "ab"},
		{"bell stripped", "a\x07b", "ab"},
		{"del stripped", "a\x7fb", "ab"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.input)
			if got != tt.expected {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"plain",
		"\x1b[31mred\x1b[0m text",
		"\x1b]0;title\x07body\r\nline2",
		"mixed \x1b[1;32mgreen\x1b[0m \x00\x07 control",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestStripMarker(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		marker   string
		expected string
	}{
		{"no marker", "hello", "XYZ123", "hello"},
		{"marker removed", "before XYZ123 after", "XYZ123", "before  after"},
		{"empty marker no-op", "hello", "", "hello"},
		{"repeated marker", "aXYZbXYZc", "XYZ", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripMarker(tt.s, tt.marker)
			if got != tt.expected {
				t.Errorf("StripMarker(%q, %q) = %q, want %q", tt.s, tt.marker, got, tt.expected)
			}
		})
	}
}

// Package sanitize strips terminal control sequences from tool output so
// streamed shell content is safe to persist and render.
package sanitize

import (
	"regexp"
	"strings"
)

// csiSequence matches ANSI CSI (Control Sequence Introducer) sequences,
// e.g. "\x1b[31m", "\x1b[2K", "\x1b[1;32;40m".
var csiSequence = regexp.MustCompile("\x1b\\[[0-9;?]*[ -/]*[@-~]")

// oscSequence matches OSC (Operating System Command) sequences, terminated
// either by BEL or the two-byte ST (ESC \).
var oscSequence = regexp.MustCompile("\x1b\\][^\x07\x1b]*(\x07|\x1b\\\\)")

// otherEscape catches escape sequences that are neither CSI nor OSC (cursor
// save/restore, charset selection, etc.) of the form ESC + one intermediate
// byte.
var otherEscape = regexp.MustCompile("\x1b[()#][0-9A-Za-z]|\x1b[=>78DMEHcZ]")

// c0Control matches C0 control characters except tab (\x09) and newline
// (\x0a), plus DEL. CRLF normalization runs before this, so a bare \r is
// already gone by the time this pattern is applied.
var c0Control = regexp.MustCompile("[\x00-\x08\x0b-\x1f\x7f]")

// Sanitize strips ANSI CSI/OSC escape sequences and C0 control characters
// (except \n and \t) from s, and normalizes \r\n / bare \r to \n. It is
// deterministic and idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = oscSequence.ReplaceAllString(s, "")
	s = csiSequence.ReplaceAllString(s, "")
	s = otherEscape.ReplaceAllString(s, "")
	s = c0Control.ReplaceAllString(s, "")
	return s
}

// StripMarker removes every occurrence of marker from s, independent of
// ANSI sanitization. The shell session does not call it: it cuts each
// command's completion line out of stdout by match position instead.
func StripMarker(s, marker string) string {
	if marker == "" {
		return s
	}
	return strings.ReplaceAll(s, marker, "")
}

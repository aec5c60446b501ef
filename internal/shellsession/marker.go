package shellsession

import (
	"fmt"
	"regexp"
)

// completionPattern builds the regex used to recognize a command's
// completion line in the shell's stdout stream: the prompt marker,
// immediately followed by ":", the command's exit code, and a newline.
// The marker itself carries enough entropy (see newMarker) that this
// exact suffix is vanishingly unlikely to occur in real command output
// by coincidence — a bare occurrence of the marker text without the
// ":<digits>\n" suffix is not treated as completion.
func completionPattern(marker string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(marker) + `:(-?[0-9]+)\n`)
}

// findCompletion scans buf for marker's completion line. If found, it
// returns the bytes preceding the match (the command's clean trailing
// output not yet streamed), the parsed exit code, the bytes following the
// match (carried forward for the next command), and true. Otherwise it
// returns found=false and buf is left untouched by the caller.
func findCompletion(buf []byte, re *regexp.Regexp) (before []byte, exitCode int, remainder []byte, found bool) {
	loc := re.FindSubmatchIndex(buf)
	if loc == nil {
		return nil, 0, nil, false
	}
	before = buf[:loc[0]]
	remainder = buf[loc[1]:]
	code := 0
	neg := false
	for _, b := range buf[loc[2]:loc[3]] {
		if b == '-' {
			neg = true
			continue
		}
		code = code*10 + int(b-'0')
	}
	if neg {
		code = -code
	}
	return before, code, remainder, true
}

// emitLine is the text written to the session's stdin after command: it
// runs command, then prints a completion line carrying the marker and the
// command's exit status to stdout so the reader can detect the boundary.
func emitLine(marker, command string) string {
	if command == "" {
		return fmt.Sprintf("printf '\\n%s:%%d\\n' \"$?\"\n", marker)
	}
	return fmt.Sprintf("%s\nprintf '\\n%s:%%d\\n' \"$?\"\n", command, marker)
}

// safeStreamMargin is how many trailing bytes of an as-yet-unmatched
// stdout buffer are withheld from streaming callbacks, to avoid emitting
// a chunk that turns out to contain (part of) the completion marker.
func safeStreamMargin(marker string) int {
	return len(marker) + 16 // ":" + up to 14-digit exit code + "\n", rounded up
}

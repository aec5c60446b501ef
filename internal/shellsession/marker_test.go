package shellsession

import (
	"testing"
)

func TestFindCompletionBasic(t *testing.T) {
	marker := "__loom_test_abc123__"
	re := completionPattern(marker)

	buf := []byte("hello world\n" + marker + ":0\n")
	before, code, remainder, found := findCompletion(buf, re)
	if !found {
		t.Fatal("expected completion to be found")
	}
	if string(before) != "hello world\n" {
		t.Errorf("before = %q, want %q", before, "hello world\n")
	}
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}
	if len(remainder) != 0 {
		t.Errorf("remainder = %q, want empty", remainder)
	}
}

func TestFindCompletionNonZeroExitCode(t *testing.T) {
	marker := "__loom_test_xyz__"
	re := completionPattern(marker)

	buf := []byte("some output\n" + marker + ":127\n")
	_, code, _, found := findCompletion(buf, re)
	if !found {
		t.Fatal("expected completion to be found")
	}
	if code != 127 {
		t.Errorf("code = %d, want 127", code)
	}
}

func TestFindCompletionCarriesRemainderForward(t *testing.T) {
	marker := "__loom_test_qqq__"
	re := completionPattern(marker)

	buf := []byte("out\n" + marker + ":0\n" + "leftover from next command")
	before, _, remainder, found := findCompletion(buf, re)
	if !found {
		t.Fatal("expected completion to be found")
	}
	if string(before) != "out\n" {
		t.Errorf("before = %q", before)
	}
	if string(remainder) != "leftover from next command" {
		t.Errorf("remainder = %q", remainder)
	}
}

func TestFindCompletionNotFoundWithPartialMarker(t *testing.T) {
	marker := "__loom_test_full_marker_value__"
	re := completionPattern(marker)

	// Only a prefix of the marker has arrived so far (simulating a chunk
	// boundary split mid-marker); must not match.
	buf := []byte("output so far\n__loom_test_full")
	_, _, _, found := findCompletion(buf, re)
	if found {
		t.Fatal("expected no match for a truncated marker prefix")
	}
}

func TestFindCompletionNotFoundForBareMarkerWithoutExitCodeSuffix(t *testing.T) {
	marker := "__loom_test_injected__"
	re := completionPattern(marker)

	// A crafted payload contains the literal marker text but not in the
	// exact "<marker>:<digits>\n" completion shape — must not falsely
	// terminate the command.
	buf := []byte("attacker output containing " + marker + " but no exit code suffix\n")
	_, _, _, found := findCompletion(buf, re)
	if found {
		t.Fatal("expected no match when marker appears without the completion suffix")
	}
}

func TestFindCompletionIgnoresMarkerMissingTrailingNewline(t *testing.T) {
	marker := "__loom_test_trailing__"
	re := completionPattern(marker)

	buf := []byte("partial output\n" + marker + ":0")
	_, _, _, found := findCompletion(buf, re)
	if found {
		t.Fatal("expected no match until the trailing newline arrives")
	}
}

func TestEmitLineWithCommand(t *testing.T) {
	got := emitLine("MARK", "echo hi")
	want := "echo hi\nprintf '\\nMARK:%d\\n' \"$?\"\n"
	if got != want {
		t.Errorf("emitLine() = %q, want %q", got, want)
	}
}

func TestEmitLineEmptyCommand(t *testing.T) {
	got := emitLine("MARK", "")
	want := "printf '\\nMARK:%d\\n' \"$?\"\n"
	if got != want {
		t.Errorf("emitLine() = %q, want %q", got, want)
	}
}

func TestSafeStreamMarginCoversWorstCaseExitLine(t *testing.T) {
	marker := "__loom_test__"
	margin := safeStreamMargin(marker)
	// ":" + a realistic worst-case exit code width + "\n"
	worstCase := marker + ":-2147483648\n"
	if margin < len(worstCase)-len(marker) {
		t.Errorf("margin %d too small for worst-case suffix length %d", margin, len(worstCase)-len(marker))
	}
}

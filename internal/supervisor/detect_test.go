package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchers(t *testing.T) {
	matchers := DefaultMatchers()
	prompts := []string{
		"Do you want to create config.yaml?",
		"Allow the Bash tool to run `rm -rf build`?",
		"Continue? (y/N)",
		"Overwrite file [Y/n]",
		"Please APPROVE this change",
	}
	for _, line := range prompts {
		assert.True(t, MatchAny(matchers, line), line)
	}

	plain := []string{
		"Reading src/main.go",
		"approved by reviewer",
		"tool call finished",
		"",
	}
	for _, line := range plain {
		assert.False(t, MatchAny(matchers, line), line)
	}
}

func TestMatchersAreOrderedAndPluggable(t *testing.T) {
	var calls []string
	first := MatcherFunc(func(string) bool { calls = append(calls, "first"); return true })
	second := MatcherFunc(func(string) bool { calls = append(calls, "second"); return true })

	assert.True(t, MatchAny([]Matcher{first, second}, "anything"))
	assert.Equal(t, []string{"first"}, calls)
	assert.False(t, MatchAny(nil, "anything"))
}

func TestParseRecord(t *testing.T) {
	rec, ok := ParseRecord(`{"type":"system","subtype":"init","session_id":"abc"}`)
	require.True(t, ok)
	assert.Equal(t, "system", rec.Type)
	assert.Equal(t, "init", rec.Subtype)
	assert.Equal(t, "abc", rec.SessionID)

	for _, line := range []string{"hello", `["a"]`, `{"type":`, `42`} {
		_, ok := ParseRecord(line)
		assert.False(t, ok, line)
	}

	rec, ok = ParseRecord(`{"foo":1}`)
	require.True(t, ok)
	assert.Equal(t, "unknown", rec.Type)
}

func TestIsHumanInputRecord(t *testing.T) {
	assert.True(t, IsHumanInputRecord(Record{Type: "permission_request"}))
	assert.True(t, IsHumanInputRecord(Record{Type: "input_request"}))
	assert.True(t, IsHumanInputRecord(Record{Type: "system", Subtype: "permission"}))
	assert.False(t, IsHumanInputRecord(Record{Type: "system", Subtype: "init"}))
	assert.False(t, IsHumanInputRecord(Record{Type: "assistant"}))
}

func TestTailReaderHoldsFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	r := NewTailReader(path)

	lines, err := r.ReadLines()
	require.NoError(t, err)
	assert.Empty(t, lines, "missing file yields nothing")

	appendFile(t, path, "one\ntw")
	lines, err = r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, lines)
	assert.Equal(t, 2, r.Pending())

	appendFile(t, path, "o\r\n\nthree")
	lines, err = r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, lines)
	assert.Equal(t, int64(15), r.Offset())

	lines, err = r.ReadLines()
	require.NoError(t, err)
	assert.Empty(t, lines)

	tail, ok := r.Flush()
	assert.True(t, ok)
	assert.Equal(t, "three", tail)
	_, ok = r.Flush()
	assert.False(t, ok)
}

func TestTailReaderRestartsOnTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	r := NewTailReader(path)

	appendFile(t, path, "first line\n")
	_, err := r.ReadLines()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0600))
	lines, err := r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, lines)
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBuildCommandLine(t *testing.T) {
	args := agentArgs(Options{
		Prompt:               "fix the 'bug'\nthen test",
		Model:                "opus",
		PermissionMode:       "acceptEdits",
		ResumeConversationID: "conv-1",
	}, []string{"--max-turns", "5"})

	line := buildCommandLine("linux", "/usr/bin/claude", args, "/tmp/task-1.jsonl")
	assert.Equal(t,
		`exec '/usr/bin/claude' '-p' 'fix the '\''bug'\'' then test' '--output-format' 'stream-json' '--verbose' `+
			`'--model' 'opus' '--permission-mode' 'acceptEdits' '--resume' 'conv-1' '--max-turns' '5' > '/tmp/task-1.jsonl' 2>&1`,
		line)

	win := buildCommandLine("windows", "claude", []string{"-p", `say "hi"`}, `C:\t\out.jsonl`)
	assert.Equal(t, `"claude" "-p" "say ""hi""" > "C:\t\out.jsonl" 2>&1`, win)

	noResume := agentArgs(Options{Prompt: "x"}, nil)
	assert.NotContains(t, noResume, "--resume")
}

// cmdUnquoted returns the characters cmd.exe sees outside double quotes.
func cmdUnquoted(line string) string {
	var b strings.Builder
	quoted := false
	for _, r := range line {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestBuildCommandLineWindowsQuoting(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"plain", "fix it", `"fix it"`},
		{"breakout", `a" & del x & "`, `"a"" & del x & """`},
		{"pipes and redirects", `x | y < z > w ^ v`, `"x | y < z > w ^ v"`},
		{"percent", `50% of %PATH%`, `"50"^%" of "^%"PATH"^%""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := buildCommandLine("windows", "claude", []string{"-p", tt.prompt}, `C:\t\out.jsonl`)
			assert.Equal(t, `"claude" "-p" `+tt.want+` > "C:\t\out.jsonl" 2>&1`, line)

			// Only the trailing redirection may reach cmd.exe unquoted.
			outside := cmdUnquoted(strings.TrimSuffix(line, ` > "C:\t\out.jsonl" 2>&1`))
			assert.NotContains(t, outside, "&")
			assert.NotContains(t, outside, "|")
			assert.NotContains(t, outside, "<")
			assert.NotContains(t, outside, ">")
			assert.NotContains(t, strings.ReplaceAll(outside, "^%", ""), "%")
		})
	}
}

func TestWindowsCmdLine(t *testing.T) {
	line := `"claude" "-p" "hi" > "C:\t\out.jsonl" 2>&1`
	assert.Equal(t, `cmd /S /C ""claude" "-p" "hi" > "C:\t\out.jsonl" 2>&1"`, windowsCmdLine(line))
}

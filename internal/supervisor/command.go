package supervisor

import "strings"

// SanitizePrompt flattens newlines to spaces so a prompt survives a
// single shell word.
func SanitizePrompt(prompt string) string {
	r := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
	return strings.TrimSpace(r.Replace(prompt))
}

// cmdQuoter escapes text inside a cmd.exe double-quoted word. A doubled
// quote keeps cmd.exe inside the quoted region, so & | < > ^ stay literal,
// and reads back as one quote in the agent's argv. Percent signs expand
// even inside quotes, so each one is caret-escaped outside the quotes.
var cmdQuoter = strings.NewReplacer(`"`, `""`, `%`, `"^%"`)

// shellQuote quotes one argument for the platform shell.
func shellQuote(goos, arg string) string {
	if goos == "windows" {
		return `"` + cmdQuoter.Replace(arg) + `"`
	}
	return `'` + strings.ReplaceAll(arg, `'`, `'\''`) + `'`
}

// agentArgs returns the agent's argument vector for a task.
func agentArgs(opts Options, extra []string) []string {
	args := []string{
		"-p", SanitizePrompt(opts.Prompt),
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.ResumeConversationID != "" {
		args = append(args, "--resume", opts.ResumeConversationID)
	}
	return append(args, extra...)
}

// buildCommandLine renders the shell command that runs the agent with
// stdout and stderr redirected to the scratch file.
func buildCommandLine(goos, binary string, args []string, scratch string) string {
	var b strings.Builder
	if goos != "windows" {
		b.WriteString("exec ")
	}
	b.WriteString(shellQuote(goos, binary))
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(goos, a))
	}
	b.WriteString(" > ")
	b.WriteString(shellQuote(goos, scratch))
	b.WriteString(" 2>&1")
	return b.String()
}

// windowsCmdLine is the raw command line handed to cmd.exe. /S strips
// exactly the outer quotes and leaves the rest of line untouched.
func windowsCmdLine(line string) string {
	return `cmd /S /C "` + line + `"`
}

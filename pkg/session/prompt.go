package session

import (
	"regexp"
	"strings"

	"github.com/newtron-network/newtexec/pkg/util"
)

// fallbackPromptLen is how much of the last output line is kept when no
// matcher recognises a prompt.
const fallbackPromptLen = 20

// PromptMatcher looks for a prompt in a chunk of terminal output and returns
// the most recent one.
type PromptMatcher func(chunk string) (string, bool)

var (
	// router#, switch>, core-sw1(config-if)#, host.example.com$, R1/admin%
	hostPromptRe = regexp.MustCompile(`(?m)^[A-Za-z0-9_.()/\-]+[#>$%][ \t]*$`)

	// admin@sw1#, admin@host:~$, [admin@host ~]$
	userHostPromptRe = regexp.MustCompile(`(?m)^\[?[\w.\-]+@[\w.\-]+[^\n#>$%]*[#>$%][ \t]*$`)
)

// HostPromptMatcher recognises network-OS and Unix style prompts made of
// hostname characters followed by #, >, $ or %.
func HostPromptMatcher(chunk string) (string, bool) {
	return lastMatch(hostPromptRe, chunk)
}

// UserHostPromptMatcher recognises user@host prompts.
func UserHostPromptMatcher(chunk string) (string, bool) {
	return lastMatch(userHostPromptRe, chunk)
}

// DefaultMatchers returns the built-in matchers in priority order.
func DefaultMatchers() []PromptMatcher {
	return []PromptMatcher{HostPromptMatcher, UserHostPromptMatcher}
}

func lastMatch(re *regexp.Regexp, chunk string) (string, bool) {
	matches := re.FindAllString(normalizeNewlines(chunk), -1)
	if len(matches) == 0 {
		return "", false
	}
	return strings.TrimSpace(matches[len(matches)-1]), true
}

// DetectPrompt returns the prompt found by the first matcher that succeeds.
// When none does, the last 20 characters of the last non-empty line are used
// as an opaque fingerprint. The result is empty only if chunk has no
// non-blank text.
func DetectPrompt(chunk string, matchers []PromptMatcher) string {
	for _, m := range matchers {
		if p, ok := m(chunk); ok && p != "" {
			return p
		}
	}
	return util.TailRunes(lastLine(chunk), fallbackPromptLen)
}

// tailPrompt runs the matchers against the last non-empty line only, so it
// succeeds only when the device is sitting at a prompt.
func tailPrompt(output string, matchers []PromptMatcher) (string, bool) {
	line := lastLine(output)
	if line == "" {
		return "", false
	}
	for _, m := range matchers {
		if p, ok := m(line); ok && p != "" {
			return p, true
		}
	}
	return "", false
}

// promptAtEnd reports whether output ends with prompt, ignoring trailing
// whitespace.
func promptAtEnd(output, prompt string) bool {
	if prompt == "" {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(normalizeNewlines(output), " \t\n"), prompt)
}

// CleanOutput strips one leading echo of command and one trailing prompt
// from raw, normalises line endings and trims surrounding whitespace.
func CleanOutput(raw, command, prompt string) string {
	out := strings.TrimLeft(normalizeNewlines(raw), " \t\n")

	if cmd := strings.TrimSpace(command); cmd != "" {
		first, rest, found := strings.Cut(out, "\n")
		if strings.Contains(first, cmd) {
			if found {
				out = rest
			} else {
				out = ""
			}
		}
	}

	out = strings.TrimRight(out, " \t\n")
	if prompt != "" && strings.HasSuffix(out, prompt) {
		out = strings.TrimSuffix(out, prompt)
	}
	return strings.TrimSpace(out)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func lastLine(s string) string {
	lines := strings.Split(normalizeNewlines(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

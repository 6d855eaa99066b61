package remote

import (
	"fmt"
	"strings"
	"unicode"
)

var blockedShellPatterns = []string{
	"&&", "||", ";", "|", ">", "<", "`", "$(", "${", "'", "\"", "\\",
}

func firstBlockedShellPattern(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", false
	}
	for _, p := range blockedShellPatterns {
		if strings.Contains(v, p) {
			return p, true
		}
	}
	return "", false
}

// ValidateHost rejects names that ssh would read as an option or that could
// change meaning on the way to an argv.
func ValidateHost(name string) error {
	if name == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("host name %q cannot start with '-'", name)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("host name %q cannot contain whitespace", name)
	}
	if p, ok := firstBlockedShellPattern(name); ok {
		return fmt.Errorf("host name %q contains disallowed shell pattern %q", name, p)
	}
	return nil
}

// ValidateSSHCommand checks the configured ssh command line. It is split
// into argv and never handed to a shell, so shell syntax would be passed
// through literally.
func ValidateSSHCommand(command string) error {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return fmt.Errorf("ssh command cannot be empty")
	}
	for _, p := range []string{"&&", "||", ";", "|", ">", "<", "`", "$(", "${"} {
		if strings.Contains(cmd, p) {
			return fmt.Errorf("ssh command contains disallowed shell pattern %q; use a direct executable command (e.g. \"ssh -F ~/.ssh/work\")", p)
		}
	}
	return nil
}

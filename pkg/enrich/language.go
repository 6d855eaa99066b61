package enrich

import (
	"path/filepath"
	"strings"
)

// languageIcons maps a runtime to an icon shown when the service itself
// offers none.
var languageIcons = map[string]string{
	"Python":  "https://www.python.org/favicon.ico",
	"Node.js": "https://nodejs.org/favicon.ico",
	"Go":      "https://go.dev/favicon.ico",
	"Ruby":    "https://www.ruby-lang.org/favicon.ico",
	"Java":    "https://www.java.com/favicon.ico",
	"PHP":     "https://www.php.net/favicon.ico",
	"Rust":    "https://www.rust-lang.org/static/images/favicon.ico",
}

// DetectLanguage guesses the runtime from a remote process's command name.
// lsof truncates command names, so only prefixes are compared.
func DetectLanguage(command string) string {
	cmd := strings.ToLower(filepath.Base(strings.TrimSpace(command)))
	if cmd == "" || cmd == "." {
		return ""
	}

	switch {
	case strings.HasPrefix(cmd, "python"), strings.HasPrefix(cmd, "uvicorn"),
		strings.HasPrefix(cmd, "gunicorn"), strings.HasPrefix(cmd, "jupyter"):
		return "Python"
	case strings.HasPrefix(cmd, "node"), strings.HasPrefix(cmd, "npm"),
		strings.HasPrefix(cmd, "yarn"), strings.HasPrefix(cmd, "bun"), strings.HasPrefix(cmd, "deno"):
		return "Node.js"
	case cmd == "go" || strings.HasPrefix(cmd, "go-build"):
		return "Go"
	case strings.HasPrefix(cmd, "ruby"), strings.HasPrefix(cmd, "puma"), strings.HasPrefix(cmd, "rails"):
		return "Ruby"
	case strings.HasPrefix(cmd, "java"):
		return "Java"
	case strings.HasPrefix(cmd, "php"):
		return "PHP"
	case strings.HasPrefix(cmd, "cargo"):
		return "Rust"
	}
	return ""
}

// LanguageIcon returns the fallback icon for command, or "".
func LanguageIcon(command string) string {
	return languageIcons[DetectLanguage(command)]
}

package process

import (
	"os/exec"
	"runtime"
)

// askpassHelpers are looked up on PATH when no helper is configured.
var askpassHelpers = []string{"ssh-askpass"}

// AskpassEnv returns the environment that makes ssh prompt through a GUI
// helper instead of the controlling terminal. An empty helper on Linux means
// ssh keeps its default prompting; on darwin and windows a helper on PATH is
// used if one exists.
func AskpassEnv(helper string) []string {
	return askpassEnv(runtime.GOOS, helper, exec.LookPath)
}

func askpassEnv(goos, helper string, lookPath func(string) (string, error)) []string {
	if helper == "" {
		switch goos {
		case "darwin", "windows":
			helper = findHelper(lookPath)
		}
	}
	if helper == "" {
		return nil
	}
	return []string{"SSH_ASKPASS_REQUIRE=force", "DISPLAY=:0", "SSH_ASKPASS=" + helper}
}

func findHelper(lookPath func(string) (string, error)) string {
	for _, name := range askpassHelpers {
		if path, err := lookPath(name); err == nil {
			return path
		}
	}
	return ""
}

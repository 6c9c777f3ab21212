package worker

import (
	"os/exec"
	"strings"
)

// Spec describes the backend worker to launch.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // program, or a full command line when Args is empty
	Args    []string `json:"args"`     // explicit arguments; disables shell detection
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // complete environment; nil inherits the bridge's
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With Args set, Command is executed directly. Otherwise Command is treated as a
// command line: it avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 && cmdStr != "" {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns the script after "-c ". One pair of surrounding
// quotes is stripped so redirections inside the script still work.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}

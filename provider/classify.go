package provider

import "strings"

// Commands that open or run source code.
var codeCommands = []string{"vim", "nvim", "nano", "code", "cat", "python", "node", "cargo run"}

// Fragments that suggest the buffer holds code rather than a command line.
var codeFragments = []string{"fn ", "def ", "function ", "class ", "import ", "const ", "let "}

// Project types where code-looking input is treated as code.
var codeProjects = map[string]bool{"rust": true, "node": true, "python": true, "go": true}

// Classify picks the task class for input typed in a project of the given type.
func Classify(input, project string) TaskClass {
	input = strings.TrimLeft(input, " \t")
	for _, cmd := range codeCommands {
		if input == cmd || strings.HasPrefix(input, cmd+" ") {
			return TaskCode
		}
	}
	if codeProjects[project] {
		for _, frag := range codeFragments {
			if strings.Contains(input, frag) {
				return TaskCode
			}
		}
	}
	return TaskShell
}

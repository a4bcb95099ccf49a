package generate

import (
	"sort"
	"strings"
)

// continuations maps a typed prefix to the command lines that commonly follow it.
var continuations = map[string][]string{
	"git": {
		"git commit", "git checkout", "git push", "git pull", "git status",
		"git diff", "git log", "git branch", "git stash", "git merge",
		"git rebase", "git add", "git reset",
	},
	"git c": {"git commit", "git checkout", "git cherry-pick", "git clone"},
	"git s": {"git status", "git stash", "git show"},
	"git p": {"git push", "git pull"},
	"git b": {"git branch", "git bisect"},

	"cargo": {
		"cargo build", "cargo test", "cargo run", "cargo clippy",
		"cargo fmt", "cargo check", "cargo bench",
	},
	"cargo t": {"cargo test", "cargo tree"},
	"cargo b": {"cargo build", "cargo bench"},

	"npm":   {"npm install", "npm run", "npm test", "npm start", "npm build", "npm publish"},
	"npm r": {"npm run", "npm run dev", "npm run build", "npm run test"},

	"docker": {
		"docker ps", "docker compose", "docker build", "docker run",
		"docker images", "docker logs",
	},
	"docker c": {"docker compose up", "docker compose down", "docker compose logs"},

	"kubectl": {
		"kubectl get", "kubectl describe", "kubectl apply", "kubectl logs",
		"kubectl delete", "kubectl exec",
	},

	"go": {"go build ./...", "go test ./...", "go run .", "go mod tidy", "go vet ./..."},
}

// tablePrefixes holds the keys of continuations, longest first.
var tablePrefixes = func() []string {
	keys := make([]string, 0, len(continuations))
	for k := range continuations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// Predict returns likely next inputs after input: continuations from the
// longest matching table prefix, then recent history lines (newest last in
// history) that extend input. Every prediction is strictly longer than the
// trimmed input and starts with it. At most max predictions are returned.
func Predict(input string, history []string, max int) []string {
	input = strings.TrimSpace(input)
	if input == "" || max <= 0 {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	add := func(p string) bool {
		if len(out) >= max {
			return false
		}
		if len(p) > len(input) && strings.HasPrefix(p, input) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
		return true
	}

	for _, prefix := range tablePrefixes {
		if strings.HasPrefix(input, prefix) {
			for _, c := range continuations[prefix] {
				if !add(c) {
					return out
				}
			}
			break
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		cmd := strings.TrimSpace(history[i])
		if redacted(cmd) {
			continue
		}
		if !add(cmd) {
			break
		}
	}
	return out
}

// redacted reports whether cmd carries a redaction marker; such lines are not
// worth completing speculatively.
func redacted(cmd string) bool {
	return strings.Contains(cmd, "***") || strings.Contains(cmd, "$REDACTED") || strings.Contains(cmd, "${REDACTED}")
}

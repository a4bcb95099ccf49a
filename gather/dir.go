package gather

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	manifestMaxBytes = 512
	fieldMaxBytes    = 512
)

// dirInfo is the per-directory part of a snapshot, cached by cwd.
type dirInfo struct {
	git            *Git
	project        string
	listing        string
	manifests      map[string]string
	packageManager string
}

// gatherDir collects directory context for cwd. Independent probes run in
// parallel; every probe is best effort.
func gatherDir(ctx context.Context, cwd string, withGit, withProject bool) *dirInfo {
	info := &dirInfo{manifests: make(map[string]string)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info.listing = listDir(cwd)
		return nil
	})
	if withGit {
		g.Go(func() error {
			info.git = collectGit(gctx, cwd)
			return nil
		})
	}
	if withProject {
		g.Go(func() error {
			info.project = DetectProject(cwd)
			gatherManifests(cwd, info.manifests)
			return nil
		})
	}
	g.Wait()

	var root string
	if info.git != nil {
		root = info.git.Root
	}
	if withProject {
		if root != "" && root != cwd {
			if info.project == "" {
				info.project = DetectProject(root)
			}
			rootManifests := make(map[string]string)
			gatherManifests(root, rootManifests)
			for k, v := range rootManifests {
				if _, ok := info.manifests[k]; !ok {
					info.manifests[k] = v
				}
			}
		}
		info.packageManager = detectPackageManager(cwd, root)
	}

	slog.Debug("gathered directory context", "path", cwd, "project", info.project, "git", info.git != nil)
	return info
}

// listDir returns the entries of dir, hidden ones included, on one line.
func listDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return truncate(strings.Join(names, " "), fieldMaxBytes)
}

// runGit runs git in dir and returns its trimmed stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// collectGit returns nil when dir is not inside a work tree.
func collectGit(ctx context.Context, dir string) *Git {
	root, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil || root == "" {
		return nil
	}
	info := &Git{Root: root, Branch: "unknown"}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if branch, err := runGit(gctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "" {
			info.Branch = branch
		}
		return nil
	})
	g.Go(func() error {
		status, err := runGit(gctx, dir, "status", "--porcelain")
		if err != nil {
			return err
		}
		info.Dirty = status != ""
		return nil
	})
	g.Go(func() error {
		if log, err := runGit(gctx, dir, "log", "--oneline", "-5", "--no-decorate"); err == nil {
			for _, line := range strings.Split(log, "\n") {
				if line != "" {
					info.RecentCommits = append(info.RecentCommits, line)
				}
			}
		}
		return nil
	})
	g.Go(func() error {
		if staged, err := runGit(gctx, dir, "diff", "--cached", "--name-status"); err == nil {
			info.Staged = parseStagedFiles(staged, fieldMaxBytes)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Debug("git status failed", "path", dir, "error", err)
		return nil
	}
	return info
}

// parseStagedFiles turns `git diff --cached --name-status` output into a
// single line with change-type prefixes, e.g. "M:file.go R:old.go→new.go".
func parseStagedFiles(s string, maxBytes int) string {
	if s == "" {
		return ""
	}
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		// R100 and C080 carry a similarity score.
		if len(status) > 1 && (status[0] == 'R' || status[0] == 'C') {
			status = status[:1]
		}
		if status == "R" || status == "C" {
			if len(fields) >= 3 {
				parts = append(parts, status+":"+fields[1]+"→"+fields[2])
			}
		} else {
			parts = append(parts, status+":"+fields[1])
		}
	}
	return truncate(strings.Join(parts, " "), maxBytes)
}

// Project marker files, checked in order. A leading * matches a suffix.
var projectMarkers = []struct {
	marker  string
	project string
}{
	{"Cargo.toml", "rust"},
	{"package.json", "node"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"go.mod", "go"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"*.csproj", "csharp"},
	{"CMakeLists.txt", "cpp"},
	{"Makefile", "cpp"},
}

// DetectProject returns the project type of dir, or "" when no marker is found.
func DetectProject(dir string) string {
	var names []string
	for _, m := range projectMarkers {
		if suffix, ok := strings.CutPrefix(m.marker, "*"); ok {
			if names == nil {
				entries, err := os.ReadDir(dir)
				if err != nil {
					continue
				}
				names = make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
			}
			for _, n := range names {
				if strings.HasSuffix(n, suffix) {
					return m.project
				}
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, m.marker)); err == nil {
			return m.project
		}
	}
	return ""
}

// Lockfiles in priority order.
var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"Cargo.lock", "cargo"},
	{"poetry.lock", "poetry"},
	{"uv.lock", "uv"},
	{"go.sum", "go"},
}

// detectPackageManager checks cwd first, then the repository root.
func detectPackageManager(cwd, root string) string {
	for _, dir := range []string{cwd, root} {
		if dir == "" {
			continue
		}
		for _, lf := range lockfiles {
			if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
				return lf.manager
			}
		}
	}
	return ""
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}

package gather

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	murmur "github.com/Paranoid-AF/murmur"
	"github.com/Paranoid-AF/murmur/history"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fakeEnv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newTestCollector(t *testing.T, opts Options, store *history.Store) *Collector {
	t.Helper()
	if opts.Getenv == nil {
		opts.Getenv = fakeEnv(nil)
	}
	if opts.HistoryPath == nil {
		hist := filepath.Join(t.TempDir(), "hist")
		opts.HistoryPath = func(string) string { return hist }
	}
	c := New(opts, store, nil)
	t.Cleanup(c.Close)
	return c
}

func TestCollectEmptyCwd(t *testing.T) {
	c := newTestCollector(t, Options{GitEnabled: true, ProjectEnabled: true}, nil)
	snap := c.Collect(context.Background(), "", "zsh")
	if snap.Git != nil || snap.Project != "" || snap.Listing != "" {
		t.Errorf("expected no directory context, got %+v", snap)
	}
	if snap.Shell != "zsh" {
		t.Errorf("shell = %q", snap.Shell)
	}
}

func TestCollectProjectAndManifests(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"demo\"\n\n[[bin]]\nname = \"demo-cli\"\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "Cargo.lock"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "Makefile"), []byte("build:\n\tcargo build\ntest: build\n\tcargo test\n"), 0o644)

	c := newTestCollector(t, Options{ProjectEnabled: true}, nil)
	snap := c.Collect(context.Background(), dir, "bash")

	if snap.Project != "rust" {
		t.Errorf("project = %q, want rust", snap.Project)
	}
	if snap.PackageManager != "cargo" {
		t.Errorf("package manager = %q, want cargo", snap.PackageManager)
	}
	want := map[string]string{
		"Cargo.toml":       "package demo, bin demo-cli",
		"Makefile targets": "build, test",
	}
	if diff := cmp.Diff(want, snap.Manifests); diff != "" {
		t.Errorf("manifests mismatch (-want +got):\n%s", diff)
	}
	if snap.Listing != "Cargo.lock Cargo.toml Makefile" {
		t.Errorf("listing = %q", snap.Listing)
	}
	if snap.Git != nil {
		t.Error("git collected although disabled")
	}
}

func TestCollectCachesDirectoryContext(t *testing.T) {
	dir := t.TempDir()
	c := newTestCollector(t, Options{ProjectEnabled: true, TTL: time.Hour}, nil)

	first := c.Collect(context.Background(), dir, "zsh")
	if first.Project != "" {
		t.Fatalf("project = %q in empty dir", first.Project)
	}
	os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n\ngo 1.22\n"), 0o644)

	if got := c.Collect(context.Background(), dir, "zsh").Project; got != "" {
		t.Errorf("cached context not reused: project = %q", got)
	}
	c.Invalidate(dir)
	if got := c.Collect(context.Background(), dir, "zsh").Project; got != "go" {
		t.Errorf("after invalidate project = %q, want go", got)
	}
}

func TestCollectEnvWhitelist(t *testing.T) {
	c := newTestCollector(t, Options{Getenv: fakeEnv(map[string]string{
		"EDITOR":         "nvim",
		"VIRTUAL_ENV":    "/venv",
		"OPENAI_API_KEY": "sk-secret",
	})}, nil)
	snap := c.Collect(context.Background(), "", "zsh")
	want := []EnvVar{{"EDITOR", "nvim"}, {"VIRTUAL_ENV", "/venv"}}
	if diff := cmp.Diff(want, snap.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectHistoryRedacted(t *testing.T) {
	hist := filepath.Join(t.TempDir(), ".zsh_history")
	os.WriteFile(hist, []byte(": 1:0;ls\n: 2:0;export TOKEN=abc\n"), 0o644)

	store := history.New(history.Options{MaxEntries: 10})
	store.Append(murmur.HistoryRecord{Source: "codex", Command: "curl -H \"Authorization: Bearer xyz\" api", Cwd: "/repo"})
	store.Append(murmur.HistoryRecord{Source: "codex", Command: "make", Cwd: "/elsewhere"})

	c := newTestCollector(t, Options{HistoryPath: func(string) string { return hist }}, store)
	snap := c.Collect(context.Background(), "/repo", "zsh")

	if diff := cmp.Diff([]string{"ls", "export TOKEN=***"}, snap.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`curl -H "Authorization: Bearer ***" api`}, snap.ToolHistory); diff != "" {
		t.Errorf("tool history mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@x", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@x")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q", "-b", "main")
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)
	run("add", "a.txt")
	run("commit", "-q", "-m", "first")

	c := newTestCollector(t, Options{GitEnabled: true}, nil)
	snap := c.Collect(context.Background(), dir, "zsh")
	if snap.Git == nil {
		t.Fatal("expected git context")
	}
	if snap.Git.Branch != "main" || snap.Git.Dirty {
		t.Errorf("git = %+v, want clean main", snap.Git)
	}
	if len(snap.Git.RecentCommits) != 1 {
		t.Errorf("recent commits = %v", snap.Git.RecentCommits)
	}

	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644)
	run("add", "b.txt")
	c.Invalidate(dir)
	snap = c.Collect(context.Background(), dir, "zsh")
	if !snap.Git.Dirty || snap.Git.Staged != "A:b.txt" {
		t.Errorf("git = %+v, want dirty with b.txt staged", snap.Git)
	}
}

func TestCollectCanceledContext(t *testing.T) {
	c := newTestCollector(t, Options{ProjectEnabled: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Directory context may or may not be ready; Collect must not block.
	snap := c.Collect(ctx, t.TempDir(), "zsh")
	if snap == nil {
		t.Fatal("nil snapshot")
	}
}

func TestRelevantWithoutIndex(t *testing.T) {
	c := newTestCollector(t, Options{}, nil)
	if got := c.Relevant(context.Background(), "git"); got != nil {
		t.Errorf("Relevant = %v, want nil", got)
	}
}

func TestDigest(t *testing.T) {
	base := &Snapshot{Git: &Git{Branch: "main", Dirty: true}, Project: "rust"}
	same := &Snapshot{Git: &Git{Branch: "main", Dirty: true}, Project: "rust", Listing: "other", History: []string{"ls"}}
	if base.Digest() != same.Digest() {
		t.Error("listing and history must not affect the digest")
	}
	variants := []*Snapshot{
		{Git: &Git{Branch: "dev", Dirty: true}, Project: "rust"},
		{Git: &Git{Branch: "main", Dirty: false}, Project: "rust"},
		{Git: &Git{Branch: "main", Dirty: true}, Project: "go"},
		{Git: &Git{Branch: "main", Dirty: true}, Project: "rust", Env: []EnvVar{{"NODE_ENV", "test"}}},
		{Project: "rust"},
	}
	for i, v := range variants {
		if v.Digest() == base.Digest() {
			t.Errorf("variant %d has the same digest", i)
		}
	}
	var nilSnap *Snapshot
	if nilSnap.Digest() != "" {
		t.Error("nil snapshot digest should be empty")
	}
}

func TestCloseRightAfterNew(t *testing.T) {
	for range 20 {
		c := New(Options{Getenv: fakeEnv(nil)}, nil, nil)
		c.Close()
		select {
		case <-c.pruned:
		default:
			t.Fatal("prune loop still running after Close")
		}
	}
}

func TestPruneDropsExpiredDirs(t *testing.T) {
	c := newTestCollector(t, Options{TTL: 10 * time.Millisecond}, nil)
	c.dirs.Set("/gone", &dirInfo{}, 0)
	deadline := time.Now().Add(2 * time.Second)
	for c.dirs.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := c.dirs.Len(); n != 0 {
		t.Errorf("dir cache holds %d entries after TTL, want 0", n)
	}
}

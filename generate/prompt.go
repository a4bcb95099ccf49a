package generate

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/template"

	murmur "github.com/Paranoid-AF/murmur"
	defaults "github.com/Paranoid-AF/murmur/default"
	"github.com/Paranoid-AF/murmur/gather"
	"github.com/Paranoid-AF/murmur/index"
	"github.com/Paranoid-AF/murmur/provider"
)

// Limits on how much history goes into a prompt.
const (
	promptRecent   = 5
	promptTool     = 5
	promptRelevant = 5
)

// PromptData is passed to the system prompt template.
type PromptData struct {
	Shell    string
	MaxItems int
	Task     string
	Cwd      string
	Project  string
}

var promptFuncs = template.FuncMap{
	"bullet": func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
		return strings.TrimSuffix(sb.String(), "\n")
	},
	"join": func(items []string, sep string) string {
		return strings.Join(items, sep)
	},
}

// PromptBuilder renders provider prompts.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder parses source as the system prompt template. An empty or
// invalid source falls back to the built-in template.
func NewPromptBuilder(source string) *PromptBuilder {
	if source != "" {
		t, err := template.New("prompt").Funcs(promptFuncs).Parse(source)
		if err == nil {
			return &PromptBuilder{tmpl: t}
		}
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
	}
	return &PromptBuilder{tmpl: template.Must(template.New("prompt").Funcs(promptFuncs).Parse(defaults.DefaultPrompt))}
}

// LoadCustomPrompt reads a prompt template from path. It returns "" when the
// file does not exist or cannot be read.
func LoadCustomPrompt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", path)
	return string(data)
}

// Build assembles the prompt for req. maxItems is how many suggestions the
// provider is asked for.
func (b *PromptBuilder) Build(req murmur.CompletionRequest, snap *gather.Snapshot, task provider.TaskClass, maxItems int) *provider.Prompt {
	if snap == nil {
		snap = &gather.Snapshot{Cwd: req.Cwd, Shell: req.Shell}
	}
	return &provider.Prompt{
		Task:      task,
		System:    b.system(PromptData{Shell: req.Shell, MaxItems: maxItems, Task: string(task), Cwd: req.Cwd, Project: snap.Project}),
		User:      userMessage(req, snap),
		Prefix:    req.Input[:req.CursorPos],
		Suffix:    req.Input[req.CursorPos:],
		Input:     req.Input,
		CursorPos: req.CursorPos,
		MaxItems:  maxItems,
	}
}

func (b *PromptBuilder) system(data PromptData) string {
	var buf strings.Builder
	if err := b.tmpl.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		template.Must(template.New("prompt").Funcs(promptFuncs).Parse(defaults.DefaultPrompt)).Execute(&buf, data)
	}
	return strings.TrimRight(buf.String(), " \t\n")
}

// userMessage renders the gathered context, one "label: value" line per
// known fact, followed by the input with the cursor marked.
func userMessage(req murmur.CompletionRequest, snap *gather.Snapshot) string {
	var sb strings.Builder
	line := func(label, value string) {
		if value == "" {
			return
		}
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	line("cwd", req.Cwd)
	line("shell", req.Shell)
	line("project", snap.Project)
	if g := snap.Git; g != nil {
		state := "clean"
		if g.Dirty {
			state = "dirty"
		}
		line("git", fmt.Sprintf("%s (%s)", g.Branch, state))
		if g.Root != req.Cwd {
			line("git root", g.Root)
		}
		line("staged", g.Staged)
		line("commits", strings.Join(g.RecentCommits, "; "))
	}
	line("files", snap.Listing)
	line("pkg", snap.PackageManager)

	labels := make([]string, 0, len(snap.Manifests))
	for k := range snap.Manifests {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		line(k, snap.Manifests[k])
	}

	env := make([]string, len(snap.Env))
	for i, v := range snap.Env {
		env[i] = v.Name + "=" + v.Value
	}
	line("env", strings.Join(env, " "))

	recent := snap.History
	if len(recent) > promptRecent {
		recent = recent[len(recent)-promptRecent:]
	}
	line("recent", strings.Join(index.ElideQuotedAll(recent), ", "))
	line("other tools", strings.Join(index.ElideQuotedAll(head(snap.ToolHistory, promptTool)), ", "))
	line("related", strings.Join(index.ElideQuotedAll(head(snap.Relevant, promptRelevant)), ", "))

	before := req.Input[:req.CursorPos]
	after := req.Input[req.CursorPos:]
	sb.WriteString("\nInput: `")
	sb.WriteString(before)
	if after != "" {
		sb.WriteString("█")
	}
	sb.WriteString(after)
	sb.WriteString("`")
	return sb.String()
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

package gather

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Manifests summarized into the prompt, keyed by file name, with the label
// each summary is reported under.
var manifestFiles = []struct {
	name    string
	label   string
	extract func(string) string
}{
	{"package.json", "package.json scripts", extractPackageScripts},
	{"Makefile", "Makefile targets", extractMakeTargets},
	{"justfile", "justfile recipes", extractJustRecipes},
	{"Cargo.toml", "Cargo.toml", extractCargo},
	{"pyproject.toml", "pyproject.toml", extractPyproject},
	{"go.mod", "go.mod", extractGoMod},
}

func gatherManifests(dir string, out map[string]string) {
	for _, m := range manifestFiles {
		path := filepath.Join(dir, m.name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() > 1<<20 {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if s := m.extract(string(data)); s != "" {
			out[m.label] = truncate(s, manifestMaxBytes)
		}
	}
}

// extractPackageScripts lists package.json scripts as "name: command", sorted by name.
func extractPackageScripts(content string) string {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil || len(pkg.Scripts) == 0 {
		return ""
	}
	names := make([]string, 0, len(pkg.Scripts))
	for k := range pkg.Scripts {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + ": " + pkg.Scripts[k]
	}
	return strings.Join(parts, ", ")
}

// extractMakeTargets lists rule names, skipping recipes, comments, special
// targets, variable assignments and pattern rules.
func extractMakeTargets(content string) string {
	var targets []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '\t' || line[0] == '#' || line[0] == '.' {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 || (i+1 < len(line) && line[i+1] == '=') {
			continue
		}
		target := strings.TrimSpace(line[:i])
		if strings.ContainsAny(target, "$%=") || seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return strings.Join(targets, ", ")
}

func extractJustRecipes(content string) string {
	var recipes []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' || line[0] == ' ' || line[0] == '\t' || strings.Contains(line, ":=") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		// "build target:" declares a recipe with parameters.
		recipe := strings.Fields(line[:i])[0]
		recipe = strings.TrimPrefix(recipe, "@")
		if strings.ContainsAny(recipe, "${}()") || seen[recipe] {
			continue
		}
		seen[recipe] = true
		recipes = append(recipes, recipe)
	}
	return strings.Join(recipes, ", ")
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Bin []struct {
		Name string `toml:"name"`
	} `toml:"bin"`
	Workspace struct {
		Members []string `toml:"members"`
	} `toml:"workspace"`
}

func extractCargo(content string) string {
	var cargo cargoManifest
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, fmt.Sprintf("package %s", cargo.Package.Name))
	}
	for _, bin := range cargo.Bin {
		if bin.Name != "" {
			parts = append(parts, fmt.Sprintf("bin %s", bin.Name))
		}
	}
	if len(cargo.Workspace.Members) > 0 {
		parts = append(parts, "workspace "+strings.Join(cargo.Workspace.Members, " "))
	}
	return strings.Join(parts, ", ")
}

type pyprojectManifest struct {
	Project struct {
		Name    string            `toml:"name"`
		Scripts map[string]string `toml:"scripts"`
	} `toml:"project"`
}

func extractPyproject(content string) string {
	var py pyprojectManifest
	if _, err := toml.Decode(content, &py); err != nil || py.Project.Name == "" {
		return ""
	}
	parts := []string{"project " + py.Project.Name}
	scripts := make([]string, 0, len(py.Project.Scripts))
	for k := range py.Project.Scripts {
		scripts = append(scripts, k)
	}
	sort.Strings(scripts)
	if len(scripts) > 0 {
		parts = append(parts, "scripts "+strings.Join(scripts, " "))
	}
	return strings.Join(parts, ", ")
}

func extractGoMod(content string) string {
	var parts []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "module ") || (strings.HasPrefix(line, "go ") && !strings.HasPrefix(line, "go.")) {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, ", ")
}

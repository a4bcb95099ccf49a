package index

import (
	"bytes"
	"regexp"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Masks written in place of secrets.
const (
	maskValue = "***"
	maskParam = "REDACTED"
)

// plainVars are environment variables whose values say something about the
// session and nothing about credentials. Sorted for binary search.
var plainVars = []string{
	"COLUMNS", "DISPLAY", "EDITOR", "HISTFILE", "HISTSIZE", "HOME", "HOSTNAME",
	"LANG", "LC_ALL", "LC_CTYPE", "LINES", "LOGNAME", "OLDPWD", "PAGER", "PATH",
	"PWD", "SHELL", "SHLVL", "TERM", "TMPDIR", "USER", "WAYLAND_DISPLAY",
	"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_RUNTIME_DIR",
}

// keepParam reports whether an expansion of name can be shown as written:
// plain variables and the shell's own parameters ($?, $1, $@ ...).
func keepParam(name string) bool {
	if len(name) == 1 && strings.ContainsAny(name, "?!#@*-$_0123456789") {
		return true
	}
	_, found := slices.BinarySearch(plainVars, name)
	return found
}

var (
	reSecretFlag = regexp.MustCompile(`(?i)^(--?[a-z0-9-]*(?:token|password|passwd|secret|api-?key|access-?key)[a-z0-9-]*)(?:=(.+))?$`)
	reBearer     = regexp.MustCompile(`(?i)((?:authorization:\s*)?bearer\s+)[^\s"']+`)
)

func maskBearer(s string) string {
	return reBearer.ReplaceAllString(s, "${1}"+maskValue)
}

// RedactCommand masks secrets in a shell command line before it leaves the
// machine: expansions of variables other than plain ones, assignment values,
// credential flag values and bearer tokens.
//
// The line is parsed as bash and printed back, so quoting survives. Lines the
// parser rejects go through a regular-expression pass instead.
func RedactCommand(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}
	syntax.Walk(prog, redactNode)

	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Indent(0)).Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func redactNode(node syntax.Node) bool {
	switch n := node.(type) {
	case *syntax.ParamExp:
		if n.Param != nil && !keepParam(n.Param.Value) {
			n.Param.Value = maskParam
		}
	case *syntax.Assign:
		if n.Name != nil && n.Value != nil && !keepParam(n.Name.Value) {
			n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: maskValue}}
		}
	case *syntax.CallExpr:
		redactSecretFlags(n.Args)
	case *syntax.Lit:
		n.Value = maskBearer(n.Value)
	case *syntax.SglQuoted:
		n.Value = maskBearer(n.Value)
	}
	return true
}

// redactSecretFlags masks the values of credential-looking flags, both the
// --token=value and the --token value spellings.
func redactSecretFlags(args []*syntax.Word) {
	for i, w := range args {
		m := reSecretFlag.FindStringSubmatch(w.Lit())
		switch {
		case m == nil:
		case m[2] != "":
			w.Parts = []syntax.WordPart{&syntax.Lit{Value: m[1] + "=" + maskValue}}
		case i+1 < len(args):
			args[i+1].Parts = []syntax.WordPart{&syntax.Lit{Value: maskValue}}
		}
	}
}

// RedactCommands applies RedactCommand to each element.
func RedactCommands(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = RedactCommand(cmd)
	}
	return out
}

// fallbackRule rewrites one kind of secret. sub receives the submatches of
// each match and returns its replacement.
type fallbackRule struct {
	re  *regexp.Regexp
	sub func(m []string) string
}

// fallbackRules run in order; the brace form goes first so that ${X} is not
// seen again as $X.
var fallbackRules = []fallbackRule{
	{regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`), func(m []string) string {
		if keepParam(m[1]) {
			return m[0]
		}
		return "${" + maskParam + "}"
	}},
	{regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`), func(m []string) string {
		if m[1] == maskParam || keepParam(m[1]) {
			return m[0]
		}
		return "$" + maskParam
	}},
	{regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`), func(m []string) string {
		if keepParam(m[1]) {
			return m[0]
		}
		return m[1] + "=" + maskValue
	}},
	{reBearer, func(m []string) string { return m[1] + maskValue }},
}

// regexRedact handles lines the shell parser rejects, typically ones cut
// off mid-quote or mid-expansion while being typed.
func regexRedact(cmd string) string {
	for _, r := range fallbackRules {
		cmd = r.re.ReplaceAllStringFunc(cmd, func(s string) string {
			return r.sub(r.re.FindStringSubmatch(s))
		})
	}
	return cmd
}

// ElideQuoted empties every quoted string in cmd, keeping the quotes:
// `git commit -m "fix x"` becomes `git commit -m ""`. Inside double quotes a
// backslash escapes the next byte; outside quotes an escaped quote is literal.
// An unterminated quote swallows the rest of the line.
func ElideQuoted(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	var quote byte
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case quote == 0 && c == '\\' && i+1 < len(cmd):
			b.WriteByte(c)
			b.WriteByte(cmd[i+1])
			i++
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
			b.WriteByte(c)
		case quote == 0:
			b.WriteByte(c)
		case c == quote:
			quote = 0
			b.WriteByte(c)
		case c == '\\' && quote == '"':
			i++
		}
	}
	return b.String()
}

// ElideQuotedAll applies ElideQuoted to each command and drops the
// duplicates this creates, keeping first occurrences in order.
func ElideQuotedAll(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	seen := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		e := ElideQuoted(cmd)
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

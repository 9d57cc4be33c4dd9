// Package safety decides whether a shell command may be run inside a
// workspace.
//
// Classification is two-staged. A deny list of regular expressions is matched
// against the full command text; then the text is parsed as a POSIX shell
// program and every simple command in it (pipelines, lists, subshells and
// command substitutions included) must start with an allow-listed token.
// Interpreters that receive an inline script are classified recursively.
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/syntax"

	"workbench/internal/logging"
	"workbench/internal/metrics"
)

// MaxNestingDepth bounds recursive classification of inline scripts.
const MaxNestingDepth = 4

// Verdict is the result of classifying one command.
type Verdict struct {
	Safe           bool   `json:"safe"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Err converts an unsafe verdict into an *UnsafeCommandError.
func (v Verdict) Err(command string) error {
	if v.Safe {
		return nil
	}
	return &UnsafeCommandError{Command: command, MatchedPattern: v.MatchedPattern, Reason: v.Reason}
}

func safe() Verdict { return Verdict{Safe: true} }

func unsafe(pattern, reason string, args ...any) Verdict {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return Verdict{Safe: false, MatchedPattern: pattern, Reason: reason}
}

// Classifier holds the deny patterns and the allow-list. The zero value is
// not usable; call NewClassifier.
type Classifier struct {
	mu      sync.RWMutex
	deny    []denyPattern
	allowed map[string]string
}

// NewClassifier returns a classifier with the default policy.
func NewClassifier() *Classifier {
	allowed := make(map[string]string, len(allowedCommands))
	for k, v := range allowedCommands {
		allowed[k] = v
	}
	deny := make([]denyPattern, len(defaultDenyPatterns))
	copy(deny, defaultDenyPatterns)
	return &Classifier{deny: deny, allowed: allowed}
}

// AddDenyPattern registers an extra catastrophic-operation regex.
func (c *Classifier) AddDenyPattern(name, expr, reason string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid deny pattern %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deny = append(c.deny, denyPattern{name: name, re: re, reason: reason})
	return nil
}

// Allow adds leading tokens to the allow-list.
func (c *Classifier) Allow(family string, tokens ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		c.allowed[t] = family
	}
}

// Classify checks a shell command string.
func (c *Classifier) Classify(command string) Verdict {
	v := c.classify(command, 0)
	c.record(command, v)
	return v
}

// ClassifyArgv checks an argv vector. The joined text still goes through the
// deny list; the vector itself is classified without shell parsing.
func (c *Classifier) ClassifyArgv(argv []string) Verdict {
	var v Verdict
	switch {
	case len(argv) == 0 || strings.TrimSpace(argv[0]) == "":
		v = unsafe("empty", "empty command")
	default:
		if dv, hit := c.matchDeny(strings.Join(argv, " ")); hit {
			v = dv
		} else {
			args := make([]arg, len(argv))
			for i, a := range argv {
				args[i] = arg{value: a}
			}
			v = c.classifyArgs(args, 0)
		}
	}
	c.record(strings.Join(argv, " "), v)
	return v
}

func (c *Classifier) record(command string, v Verdict) {
	if v.Safe {
		metrics.CommandsClassified.WithLabelValues("safe").Inc()
		logging.SafetyDebug("command allowed: %s", command)
		return
	}
	metrics.CommandsClassified.WithLabelValues("unsafe").Inc()
	logging.SafetyWarn("command rejected: %q pattern=%s reason=%s", command, v.MatchedPattern, v.Reason)
}

func (c *Classifier) classify(command string, depth int) Verdict {
	if depth > MaxNestingDepth {
		return unsafe("nesting_depth", "inline scripts nested deeper than %d levels", MaxNestingDepth)
	}
	if strings.TrimSpace(command) == "" {
		return unsafe("empty", "empty command")
	}
	if v, hit := c.matchDeny(command); hit {
		return v
	}

	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return unsafe("unparseable", "cannot parse command: %v", err)
	}

	verdict := safe()
	calls := 0
	syntax.Walk(file, func(node syntax.Node) bool {
		if !verdict.Safe {
			return false
		}
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				// Bare assignment such as FOO=bar.
				return true
			}
			calls++
			args := make([]arg, len(n.Args))
			for i, w := range n.Args {
				args[i] = wordArg(w)
			}
			verdict = c.classifyArgs(args, depth)
		case *syntax.DeclClause:
			if n.Variant == nil || (n.Variant.Value != "export" && n.Variant.Value != "local") {
				verdict = unsafe("declaration", "only export and local declarations are allowed")
			}
			calls++
		case *syntax.FuncDecl:
			verdict = unsafe("function_definition", "shell function definitions are not allowed")
		case *syntax.CoprocClause:
			verdict = unsafe("coproc", "coprocesses are not allowed")
		case *syntax.Redirect:
			verdict = checkRedirect(n)
		}
		return verdict.Safe
	})
	if verdict.Safe && calls == 0 {
		return unsafe("empty", "no command to run")
	}
	return verdict
}

func (c *Classifier) matchDeny(command string) (Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.deny {
		if p.re.MatchString(command) {
			return unsafe(p.name, p.reason), true
		}
	}
	for _, m := range envFileRe.FindAllStringSubmatch(command, -1) {
		if !isEnvTemplate(m[1]) {
			return unsafe("env_file", "reads environment secrets (%s)", m[1]), true
		}
	}
	return Verdict{}, false
}

func isEnvTemplate(name string) bool {
	for _, suffix := range envTemplateSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// leadingToken maps a command word to its allow-list key.
func (c *Classifier) leadingToken(word string) (string, bool) {
	name := word
	if strings.Contains(word, "/") {
		name = ""
		for _, dir := range trustedBinDirs {
			if rest := strings.TrimPrefix(word, dir); rest != word && rest != "" && !strings.Contains(rest, "/") {
				name = rest
				break
			}
		}
		if name == "" {
			return word, false
		}
	}
	c.mu.RLock()
	_, ok := c.allowed[name]
	c.mu.RUnlock()
	return name, ok
}

func (c *Classifier) classifyArgs(args []arg, depth int) Verdict {
	if depth > MaxNestingDepth {
		return unsafe("nesting_depth", "commands nested deeper than %d levels", MaxNestingDepth)
	}
	head := args[0]
	if head.dynamic {
		return unsafe("dynamic_command", "leading token %q is not a literal", head.value)
	}
	name, ok := c.leadingToken(head.value)
	if !ok {
		return unsafe(name, "command %q is not allow-listed", name)
	}

	rest := args[1:]
	if v := checkWriteTargets(name, rest); !v.Safe {
		return v
	}
	switch name {
	case "sh", "bash":
		return c.classifyShell(name, rest, depth)
	case "node":
		return c.classifyInterpreter(name, rest, depth, nodeInline)
	case "python", "python3":
		return c.classifyInterpreter(name, rest, depth, pythonInline)
	case "env":
		return c.classifyEnv(rest, depth)
	case "xargs":
		return c.classifyXargs(rest, depth)
	case "find":
		return c.classifyFindExec(rest, depth)
	}
	return safe()
}

// classifyShell handles sh/bash. A -c script is classified recursively; a
// script file argument is accepted; anything else would be interactive.
func (c *Classifier) classifyShell(name string, rest []arg, depth int) Verdict {
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a.dynamic {
			return unsafe(name, "dynamic argument to %s", name)
		}
		v := a.value
		switch {
		case v == "--":
			if i+1 < len(rest) {
				return safe()
			}
			return unsafe(name, "%s invoked without a script", name)
		case v == "-o" || v == "+o" || v == "-O" || v == "+O":
			i++
		case strings.HasPrefix(v, "--"):
			// long options carry no inline script
		case strings.HasPrefix(v, "-") && len(v) > 1:
			flags := v[1:]
			if strings.ContainsRune(flags, 'c') {
				if i+1 >= len(rest) {
					return unsafe(name, "%s -c without a script", name)
				}
				script := rest[i+1]
				if script.dynamic {
					return unsafe(name, "%s -c with a non-literal script", name)
				}
				return c.classify(script.value, depth+1)
			}
			if strings.ContainsRune(flags, 's') || strings.ContainsRune(flags, 'i') {
				return unsafe(name, "%s reading commands from stdin", name)
			}
		case strings.HasPrefix(v, "+"):
		default:
			return safe()
		}
	}
	return unsafe(name, "interactive %s session", name)
}

type inlineLang struct {
	evalFlags map[string]bool
	infoFlags map[string]bool
	// moduleFlag runs a named module, which counts as a script.
	moduleFlag string
	spawnRe    *regexp.Regexp
}

var nodeInline = inlineLang{
	evalFlags: map[string]bool{"-e": true, "--eval": true, "-p": true, "--print": true},
	infoFlags: map[string]bool{"-v": true, "--version": true, "-h": true, "--help": true},
	spawnRe:   nodeSpawnRe,
}

var pythonInline = inlineLang{
	evalFlags:  map[string]bool{"-c": true},
	infoFlags:  map[string]bool{"-V": true, "--version": true, "-h": true, "--help": true},
	moduleFlag: "-m",
	spawnRe:    pythonSpawnRe,
}

func (c *Classifier) classifyInterpreter(name string, rest []arg, depth int, lang inlineLang) Verdict {
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a.dynamic {
			return unsafe(name, "dynamic argument to %s", name)
		}
		v := a.value
		flag, inline, hasInline := strings.Cut(v, "=")
		switch {
		case lang.evalFlags[v] || (hasInline && lang.evalFlags[flag]):
			code := inline
			if !hasInline {
				if i+1 >= len(rest) {
					return unsafe(name, "%s %s without code", name, v)
				}
				if rest[i+1].dynamic {
					return unsafe(name, "%s %s with non-literal code", name, v)
				}
				code = rest[i+1].value
			}
			return c.classifyInlineCode(name, code, depth+1, lang)
		case lang.infoFlags[v]:
			return safe()
		case lang.moduleFlag != "" && v == lang.moduleFlag:
			if i+1 < len(rest) {
				return safe()
			}
			return unsafe(name, "%s %s without a module", name, v)
		case strings.HasPrefix(v, "-"):
		default:
			return safe()
		}
	}
	return unsafe(name, "interactive %s session", name)
}

// classifyInlineCode screens interpreter source. It is not shell, so only the
// deny list and the spawn-primitive check apply.
func (c *Classifier) classifyInlineCode(name, code string, depth int, lang inlineLang) Verdict {
	if depth > MaxNestingDepth {
		return unsafe("nesting_depth", "inline scripts nested deeper than %d levels", MaxNestingDepth)
	}
	if v, hit := c.matchDeny(code); hit {
		return v
	}
	if m := lang.spawnRe.FindString(code); m != "" {
		return unsafe("inline_spawn", "inline %s code uses %q", name, m)
	}
	return safe()
}

func (c *Classifier) classifyEnv(rest []arg, depth int) Verdict {
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a.dynamic {
			return unsafe("env", "dynamic argument to env")
		}
		v := a.value
		switch {
		case v == "-S" || v == "--split-string":
			if i+1 >= len(rest) || rest[i+1].dynamic {
				return unsafe("env", "env -S without a literal command")
			}
			return c.classify(rest[i+1].value, depth+1)
		case v == "-u" || v == "--unset" || v == "-C" || v == "--chdir":
			i++
		case strings.HasPrefix(v, "-"):
		case strings.Contains(v, "="):
		default:
			return c.classifyArgs(rest[i:], depth+1)
		}
	}
	return safe()
}

var xargsValueFlags = map[string]bool{
	"-I": true, "-L": true, "-n": true, "-P": true, "-s": true, "-d": true, "-E": true, "-a": true,
}

func (c *Classifier) classifyXargs(rest []arg, depth int) Verdict {
	for i := 0; i < len(rest); i++ {
		v := rest[i].value
		switch {
		case rest[i].dynamic:
			return unsafe("xargs", "dynamic argument to xargs")
		case xargsValueFlags[v]:
			i++
		case strings.HasPrefix(v, "-"):
		default:
			return c.classifyArgs(rest[i:], depth+1)
		}
	}
	return safe()
}

// classifyFindExec classifies the commands find would run via -exec and friends.
func (c *Classifier) classifyFindExec(rest []arg, depth int) Verdict {
	for i := 0; i < len(rest); i++ {
		switch rest[i].value {
		case "-exec", "-execdir", "-ok", "-okdir":
			j := i + 1
			for j < len(rest) && rest[j].value != ";" && rest[j].value != "+" {
				j++
			}
			if j == i+1 {
				return unsafe("find", "find %s without a command", rest[i].value)
			}
			if v := c.classifyArgs(rest[i+1:j], depth+1); !v.Safe {
				return v
			}
			i = j
		}
	}
	return safe()
}

func checkRedirect(r *syntax.Redirect) Verdict {
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.RdrInOut:
	default:
		return safe()
	}
	if r.Word == nil {
		return safe()
	}
	target := wordArg(r.Word)
	if target.dynamic {
		return unsafe("dynamic_redirect", "redirect target %q is not a literal", target.value)
	}
	if !filepath.IsAbs(target.value) {
		return safe()
	}
	if clean, hit := protectedPath(target.value); hit {
		return unsafe("protected_write", "redirect writes to %s", clean)
	}
	return safe()
}

// protectedPath reports whether an absolute path lies under a protected root.
func protectedPath(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return p, false
	}
	clean := filepath.Clean(p)
	if harmlessDevices[clean] {
		return clean, false
	}
	for _, root := range protectedWriteRoots {
		if strings.HasPrefix(clean+"/", root) {
			return clean, true
		}
	}
	return clean, false
}

// checkWriteTargets rejects file utilities whose written or removed operands
// are under a protected root or are not literals.
func checkWriteTargets(name string, rest []arg) Verdict {
	spec, ok := writeUtilities[name]
	if !ok {
		return safe()
	}

	var operands, targets []arg
	inPlace := false
	hasScript := false
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		v := a.value
		if a.dynamic || v == "-" || !strings.HasPrefix(v, "-") {
			operands = append(operands, a)
			continue
		}
		if v == "--" {
			operands = append(operands, rest[i+1:]...)
			break
		}
		flag, value, inline := strings.Cut(v, "=")
		switch {
		case spec.targetFlags[flag]:
			if inline {
				targets = append(targets, arg{value: value})
			} else if i+1 < len(rest) {
				i++
				targets = append(targets, rest[i])
			}
		case spec.scriptFlags[flag]:
			hasScript = true
			if !inline {
				i++
			}
		case spec.valueFlags[flag]:
			if !inline {
				i++
			}
		case spec.inPlace && (strings.HasPrefix(v, "-i") || flag == "--in-place"):
			inPlace = true
		case spec.inPlace && !strings.HasPrefix(v, "--") && strings.Contains(v, "i"):
			inPlace = true
		}
	}

	switch {
	case spec.inPlace:
		if !inPlace {
			return safe()
		}
		if !hasScript && len(operands) > 0 {
			operands = operands[1:]
		}
		targets = append(targets, operands...)
	case spec.destOnly:
		if len(targets) == 0 && len(operands) > 0 {
			targets = append(targets, operands[len(operands)-1])
		}
	default:
		targets = append(targets, operands...)
	}

	for _, t := range targets {
		if t.dynamic {
			return unsafe("dynamic_write_target", "%s target %q is not a literal", name, t.value)
		}
		if clean, hit := protectedPath(t.value); hit {
			return unsafe("protected_write", "%s writes to %s", name, clean)
		}
	}
	return safe()
}

// arg is a command word reduced to its literal value. Words containing
// expansions are dynamic and keep their source text for messages.
type arg struct {
	value   string
	dynamic bool
}

func wordArg(w *syntax.Word) arg {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(unescapeBare(p.Value))
		case *syntax.SglQuoted:
			if p.Dollar {
				return arg{value: source(w), dynamic: true}
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return arg{value: source(w), dynamic: true}
				}
				sb.WriteString(unescapeDouble(lit.Value))
			}
		default:
			return arg{value: source(w), dynamic: true}
		}
	}
	return arg{value: sb.String()}
}

func source(w *syntax.Word) string {
	var sb strings.Builder
	if err := syntax.NewPrinter().Print(&sb, w); err != nil {
		return "<word>"
	}
	return sb.String()
}

func unescapeBare(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == '\n' {
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unescapeDouble(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '$', '`', '"', '\\':
				i++
			case '\n':
				i++
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

package tactile

import (
	"path/filepath"
	"strings"
)

// IsLikelyLargeOutput guesses whether argv will print enough to warrant the
// streaming strategy. Shell wrappers (sh -c "...") are inspected by their
// script text.
func IsLikelyLargeOutput(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	name := filepath.Base(argv[0])
	args := argv[1:]

	switch name {
	case "sh", "bash", "zsh":
		for i, a := range args {
			if strings.HasPrefix(a, "-") && strings.ContainsRune(a, 'c') && i+1 < len(args) {
				return scriptLooksLarge(args[i+1])
			}
		}
		return false
	case "ls":
		return hasShortFlag(args, 'R') || hasArg(args, "--recursive")
	case "find":
		return !hasArg(args, "-maxdepth")
	case "grep", "egrep", "rg":
		return name == "rg" || hasShortFlag(args, 'r') || hasShortFlag(args, 'R') || hasArg(args, "--recursive")
	case "du":
		return hasShortFlag(args, 'a') || hasArg(args, "--all")
	case "tree", "yes", "seq":
		return true
	case "cat", "tail", "less", "more":
		for _, a := range args {
			if strings.HasSuffix(a, ".log") || strings.Contains(a, "/logs/") {
				return true
			}
		}
		return name == "tail" && (hasShortFlag(args, 'f') || hasArg(args, "--follow"))
	case "npm", "pnpm", "yarn":
		return len(args) > 0 && args[0] == "ls" && (hasArg(args, "--all") || hasShortFlag(args, 'a'))
	case "git":
		if len(args) == 0 {
			return false
		}
		switch args[0] {
		case "log":
			return !hasShortFlag(args[1:], 'n') && !hasArgPrefix(args[1:], "--max-count") && !hasNumericFlag(args[1:])
		case "ls-files":
			return true
		}
	}
	return false
}

func scriptLooksLarge(script string) bool {
	for _, segment := range strings.FieldsFunc(script, func(r rune) bool { return r == '|' || r == ';' || r == '&' }) {
		fields := strings.Fields(segment)
		if len(fields) > 0 && IsLikelyLargeOutput(fields) {
			return true
		}
	}
	return false
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func hasArgPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

// hasShortFlag reports whether a clustered short flag (-la, -R) contains f.
func hasShortFlag(args []string, f rune) bool {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsRune(a[1:], f) {
			return true
		}
	}
	return false
}

// hasNumericFlag matches git's "-20" shorthand for -n 20.
func hasNumericFlag(args []string) bool {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && strings.Trim(a[1:], "0123456789") == "" {
			return true
		}
	}
	return false
}

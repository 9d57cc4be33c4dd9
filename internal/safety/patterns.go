package safety

import "regexp"

// denyPattern is a catastrophic-operation signature checked against the full
// command string before any parsing happens.
type denyPattern struct {
	name   string
	re     *regexp.Regexp
	reason string
}

func mustDeny(name, expr, reason string) denyPattern {
	return denyPattern{name: name, re: regexp.MustCompile(expr), reason: reason}
}

// cmdStart anchors a token to command position: start of input, after a
// separator, or inside a subshell / command substitution.
const cmdStart = `(?:^|[;&|(]\s*|\$\(\s*|` + "`" + `\s*)`

var defaultDenyPatterns = []denyPattern{
	mustDeny("root_deletion",
		`\brm\s+(?:-\S+\s+)*["']?(?:/|/\*|~|~/|~/\*|\$HOME|\$HOME/|\$HOME/\*|\$\{HOME\}/?)["']?(?:\s|;|&|\||\)|$)`,
		"deletes the filesystem root or home directory"),
	mustDeny("no_preserve_root", `--no-preserve-root`,
		"disables root deletion protection"),
	mustDeny("setuid_chmod", `\bchmod\s+(?:-\S+\s+)*(?:[ugoa]*\+[rwxX]*s|[2467][0-7]{3})\b`,
		"sets setuid/setgid bits"),
	mustDeny("chmod_root", `\bchmod\s+(?:-\S+\s+)*0?777\s+/(?:\s|$)`,
		"opens permissions on the filesystem root"),
	mustDeny("remote_script_pipe",
		`\b(?:curl|wget)\b[^|;&]*\|\s*(?:sudo\s+)?(?:env\s+)?(?:sh|bash|zsh|dash|ksh|python[0-9.]*|perl|ruby|node)\b`,
		"pipes a downloaded script into an interpreter"),
	mustDeny("remote_script_subst",
		`\b(?:sh|bash|zsh|dash|python[0-9.]*)\b[^;&|]*(?:<\(|\$\(|`+"`"+`)\s*(?:curl|wget)\b`,
		"executes a downloaded script"),
	mustDeny("privilege_escalation", cmdStart+`(?:sudo|su|doas|pkexec)(?:\s|$)`,
		"escalates privileges"),
	mustDeny("system_config_write", `>>?\|?\s*["']?/(?:etc|boot|usr|bin|sbin|lib|lib64)/`,
		"writes under a system configuration path"),
	mustDeny("system_config_tee", `\btee\s+(?:-\S+\s+)*["']?/(?:etc|boot|usr|bin|sbin|lib|lib64)/`,
		"writes under a system configuration path"),
	mustDeny("ssh_credentials", `(?:~|\$HOME|\$\{HOME\})/\.ssh\b|/\.ssh/|\bid_(?:rsa|dsa|ecdsa|ed25519)\b|\bauthorized_keys\b`,
		"reads SSH credentials"),
	mustDeny("system_credentials", `/etc/(?:shadow|gshadow|sudoers)\b`,
		"reads system credential files"),
	mustDeny("cloud_credentials", `\.aws/credentials\b|\.config/gcloud\b|\.kube/config\b|\.docker/config\.json\b`,
		"reads cloud credentials"),
	mustDeny("package_credentials", `\.npmrc\b|\.pypirc\b|\.netrc\b|\.git-credentials\b`,
		"reads package registry credentials"),
	mustDeny("fork_bomb", `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
		"fork bomb"),
	mustDeny("mkfs", `\bmkfs(?:\.\w+)?\b`,
		"formats a filesystem"),
	mustDeny("raw_device_write", `\bdd\b[^;&|]*\bof=/dev/`,
		"writes directly to a device"),
	mustDeny("device_redirect", `>\s*/dev/(?:sd|hd|nvme|xvd|vd|disk|mmcblk)`,
		"writes directly to a device"),
}

// envFileRe finds dotenv file references. Template variants are filtered in code.
var envFileRe = regexp.MustCompile(`(?:^|[\s/"'=<>:(])(\.env(?:\.[A-Za-z0-9_-]+)?)\b`)

var envTemplateSuffixes = []string{".example", ".sample", ".template"}

// Inline interpreter code may not reach for process spawning primitives.
var (
	nodeSpawnRe   = regexp.MustCompile(`child_process|\bexecSync\b|\bspawnSync\b|\bexecFileSync\b|\bexec\s*\(|\bspawn\s*\(|process\.binding|\beval\s*\(|new\s+Function\b`)
	pythonSpawnRe = regexp.MustCompile(`\bsubprocess\b|\bos\.(?:system|popen|exec\w*|spawn\w*|fork)\b|\bpty\.spawn\b|\beval\s*\(|\bexec\s*\(|__import__\s*\(|\bctypes\b`)
)

// allowedCommands maps allow-listed leading tokens to their family.
var allowedCommands = map[string]string{
	// package managers
	"npm": "package_manager", "npx": "package_manager", "pnpm": "package_manager",
	"yarn": "package_manager", "bun": "package_manager", "pip": "package_manager",
	"pip3": "package_manager",

	"git": "vcs",

	// POSIX file and text utilities
	"ls": "posix", "cat": "posix", "head": "posix", "tail": "posix", "grep": "posix",
	"find": "posix", "wc": "posix", "sort": "posix", "uniq": "posix", "echo": "posix",
	"pwd": "posix", "mkdir": "posix", "touch": "posix", "cp": "posix", "mv": "posix",
	"rm": "posix", "sed": "posix", "awk": "posix", "diff": "posix", "test": "posix",
	"[": "posix", "true": "posix", "false": "posix", "env": "posix", "which": "posix",
	"sleep": "posix", "xargs": "posix", "tr": "posix", "cut": "posix", "cd": "posix",
	"printf": "posix", "basename": "posix", "dirname": "posix", "stat": "posix",
	"du": "posix", "tree": "posix", "tee": "posix", "yes": "posix", "seq": "posix",
	"exit": "posix",

	// node toolchain
	"node": "node", "tsc": "node", "vite": "node", "next": "node", "eslint": "node",
	"prettier": "node",

	// test runners
	"jest": "test_runner", "vitest": "test_runner", "mocha": "test_runner",
	"playwright": "test_runner",

	// interpreters
	"sh": "interpreter", "bash": "interpreter", "python": "interpreter",
	"python3": "interpreter",
}

// trustedBinDirs are path prefixes under which a slash-qualified leading
// token is accepted by its base name.
var trustedBinDirs = []string{
	"/usr/bin/",
	"/usr/local/bin/",
	"/bin/",
	"./node_modules/.bin/",
	"node_modules/.bin/",
}

// writeSpec describes which operands of a file utility it writes or removes.
type writeSpec struct {
	// destOnly writes only the last operand (or the target flag's value).
	destOnly bool
	// inPlace writes its file operands only when an in-place flag is given.
	inPlace     bool
	targetFlags map[string]bool
	valueFlags  map[string]bool
	scriptFlags map[string]bool
}

func flagSet(flags ...string) map[string]bool {
	m := make(map[string]bool, len(flags))
	for _, f := range flags {
		m[f] = true
	}
	return m
}

var writeUtilities = map[string]writeSpec{
	"rm":    {},
	"tee":   {},
	"mkdir": {valueFlags: flagSet("-m", "--mode")},
	"touch": {valueFlags: flagSet("-d", "--date", "-r", "--reference", "-t")},
	"mv":    {targetFlags: flagSet("-t", "--target-directory"), valueFlags: flagSet("-S", "--suffix")},
	"cp": {
		destOnly:    true,
		targetFlags: flagSet("-t", "--target-directory"),
		valueFlags:  flagSet("-S", "--suffix"),
	},
	"sed": {
		inPlace:     true,
		scriptFlags: flagSet("-e", "--expression", "-f", "--file"),
		valueFlags:  flagSet("-l", "--line-length"),
	},
}

// protectedWriteRoots are absolute locations that redirects and file
// utilities may never write to.
var protectedWriteRoots = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/", "/lib/", "/lib64/",
	"/dev/", "/proc/", "/sys/", "/root/", "/var/",
}

var harmlessDevices = map[string]bool{
	"/dev/null":   true,
	"/dev/stdout": true,
	"/dev/stderr": true,
}

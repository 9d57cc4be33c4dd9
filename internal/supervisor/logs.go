package supervisor

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogLine is one captured line of dev server output.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// Interceptor rewrites or drops a captured line before it is buffered.
// Returning false drops the line.
type Interceptor func(LogLine) (LogLine, bool)

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

	secretRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:SECRET|TOKEN|PASSWORD|PASSWD|API_KEY|APIKEY|PRIVATE_KEY)[A-Z0-9_]*)\s*[=:]\s*("[^"]*"|'[^']*'|\S+)`),
		regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]{8,}`),
		regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,})`),
		regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`),
		regexp.MustCompile(`\b(gh[pousr]_[A-Za-z0-9]{20,})\b`),
	}
)

// StripANSI removes terminal escape sequences.
func StripANSI(l LogLine) (LogLine, bool) {
	l.Text = ansiRe.ReplaceAllString(l.Text, "")
	return l, true
}

// RedactSecrets masks credentials that dev servers like to print.
func RedactSecrets(l LogLine) (LogLine, bool) {
	for i, re := range secretRes {
		switch i {
		case 0:
			l.Text = re.ReplaceAllString(l.Text, "$1=[REDACTED]")
		case 1:
			l.Text = re.ReplaceAllString(l.Text, "$1 [REDACTED]")
		default:
			l.Text = re.ReplaceAllString(l.Text, "[REDACTED]")
		}
	}
	return l, true
}

// DropNoise returns an interceptor that drops blank lines and lines matching
// any of patterns.
func DropNoise(patterns ...*regexp.Regexp) Interceptor {
	return func(l LogLine) (LogLine, bool) {
		if strings.TrimSpace(l.Text) == "" {
			return l, false
		}
		for _, re := range patterns {
			if re.MatchString(l.Text) {
				return l, false
			}
		}
		return l, true
	}
}

// DefaultInterceptors is the chain used when Options.Interceptors is nil.
func DefaultInterceptors() []Interceptor {
	return []Interceptor{StripANSI, RedactSecrets, DropNoise()}
}

// LogBuffer is a fixed-size ring of the most recent output lines.
type LogBuffer struct {
	mu           sync.RWMutex
	lines        []LogLine
	next         int
	full         bool
	interceptors []Interceptor
}

// NewLogBuffer creates a ring holding max lines, clamped to the ceiling.
func NewLogBuffer(max int, interceptors ...Interceptor) *LogBuffer {
	if max <= 0 {
		max = DefaultMaxLogLines
	}
	if max > MaxLogLinesCeiling {
		max = MaxLogLinesCeiling
	}
	return &LogBuffer{
		lines:        make([]LogLine, max),
		interceptors: interceptors,
	}
}

// Append runs the interceptor chain and stores the line. It returns the
// stored line, or false if an interceptor dropped it.
func (b *LogBuffer) Append(stream, text string) (LogLine, bool) {
	line := LogLine{Time: time.Now(), Stream: stream, Text: strings.TrimRight(text, "\r\n")}
	for _, ic := range b.interceptors {
		var keep bool
		if line, keep = ic(line); !keep {
			return line, false
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
	return line, true
}

// Len returns the number of stored lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.lines)
	}
	return b.next
}

// Cap returns the ring capacity.
func (b *LogBuffer) Cap() int {
	return len(b.lines)
}

// Last returns up to n of the most recent lines, oldest first. n <= 0 returns
// everything stored.
func (b *LogBuffer) Last(n int) []LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.full {
		size = len(b.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]LogLine, n)
	start := b.next - n
	if start < 0 {
		start += len(b.lines)
	}
	for i := 0; i < n; i++ {
		out[i] = b.lines[(start+i)%len(b.lines)]
	}
	return out
}

// Reset empties the buffer.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.lines)
	b.next = 0
	b.full = false
}

var portRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})\b`),
	regexp.MustCompile(`(?i)\bport\s*[:=]?\s*(\d{2,5})\b`),
}

// DetectPort extracts a listening port from a dev server log line such as
// "Local: http://localhost:5173/" or "listening on port 3000".
func DetectPort(text string) (int, bool) {
	for _, re := range portRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	return 0, false
}

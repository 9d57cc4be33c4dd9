package tactile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// outputBudget is a byte cap shared by stdout and stderr. Once the cap is
// reached further bytes are discarded and exceeded is closed exactly once.
type outputBudget struct {
	mu        sync.Mutex
	max       int64
	written   int64
	discarded int64
	stdout    bytes.Buffer
	stderr    bytes.Buffer

	once     sync.Once
	exceeded chan struct{}
}

func newOutputBudget(max int64) *outputBudget {
	return &outputBudget{max: max, exceeded: make(chan struct{})}
}

// write stores as much of p as the budget allows and reports whether the
// budget still has room afterwards.
func (b *outputBudget) write(dst *bytes.Buffer, p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - b.written
	if remaining <= 0 {
		b.discarded += int64(len(p))
		b.trip()
		return false
	}
	if int64(len(p)) > remaining {
		dst.Write(p[:remaining])
		b.written += remaining
		b.discarded += int64(len(p)) - remaining
		b.trip()
		return false
	}
	dst.Write(p)
	b.written += int64(len(p))
	return true
}

func (b *outputBudget) trip() {
	b.once.Do(func() { close(b.exceeded) })
}

// Exceeded reports whether any output was discarded.
func (b *outputBudget) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded > 0
}

func (b *outputBudget) Stdout() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout.String()
}

func (b *outputBudget) Stderr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stderr.String()
}

func (b *outputBudget) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// limitedWriter feeds one stream into the shared budget. It always reports
// the full length as written so os/exec's copier never sees a short write.
type limitedWriter struct {
	budget *outputBudget
	dst    *bytes.Buffer
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.budget.write(lw.dst, p)
	return len(p), nil
}

const streamChunk = 32 * 1024

// drain reads r incrementally into the budget and stops reading as soon as
// the cap is hit, leaving the producer blocked on a full pipe until it is
// killed.
func (b *outputBudget) drain(dst *bytes.Buffer, r io.Reader) error {
	buf := make([]byte, streamChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 && !b.write(dst, buf[:n]) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// truncateTo caps a finished output pair to max bytes in total, stdout first.
func truncateTo(stdout, stderr string, max int64) (string, string, bool) {
	if max <= 0 || int64(len(stdout)+len(stderr)) <= max {
		return stdout, stderr, false
	}
	if int64(len(stdout)) >= max {
		return stdout[:max], "", true
	}
	return stdout, stderr[:max-int64(len(stdout))], true
}

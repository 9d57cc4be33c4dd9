package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	// Must not panic even though nothing was initialized.
	Get(CategoryTactile).Info("nothing to see %d", 1)
	Tactile("still nothing")
}

func TestInitializeWritesCategorizedEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Initialize(Options{Level: "debug", JSON: true, Output: &buf}))
	t.Cleanup(func() { _ = Initialize(Options{Level: "error", Output: &bytes.Buffer{}}) })

	Supervisor("dev server started pid=%d", 42)
	SafetyDebug("classified %q", "ls -la")

	out := buf.String()
	assert.Contains(t, out, `"logger":"supervisor"`)
	assert.Contains(t, out, "dev server started pid=42")
	assert.Contains(t, out, `"logger":"safety"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Initialize(Options{Level: "warn", Output: &buf}))
	t.Cleanup(func() { _ = Initialize(Options{Level: "error", Output: &bytes.Buffer{}}) })

	TactileDebug("hidden")
	Tactile("hidden too")
	TactileWarn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestDisabledCategory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Initialize(Options{
		Level:      "debug",
		Output:     &buf,
		Categories: map[string]bool{"diff": false},
	}))
	t.Cleanup(func() { _ = Initialize(Options{Level: "error", Output: &bytes.Buffer{}}) })

	Diff("should not appear")
	Repair("should appear")

	assert.False(t, strings.Contains(buf.String(), "should not appear"))
	assert.True(t, strings.Contains(buf.String(), "should appear"))
}

func TestInitializeRejectsUnknownLevel(t *testing.T) {
	err := Initialize(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestTimer(t *testing.T) {
	timer := StartTimer(CategoryDiff, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	assert.Greater(t, elapsed, time.Duration(0))
}

func TestTimerThresholdWarns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Initialize(Options{Level: "warn", JSON: true, Output: &buf}))
	t.Cleanup(func() { _ = Initialize(Options{Output: io.Discard}) })

	timer := StartTimer(CategoryTactile, "slow step")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThreshold(time.Nanosecond)

	out := buf.String()
	assert.Contains(t, out, `"msg":"slow operation"`)
	assert.Contains(t, out, `"op":"slow step"`)
	assert.Contains(t, out, `"logger":"tactile"`)
}

package deps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitPhase(t *testing.T, inst *Installer, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return inst.Status().Phase == want },
		5*time.Second, 10*time.Millisecond)
}

func TestInstallerRunsStepsInOrder(t *testing.T) {
	inst := NewInstaller([]Step{
		{Name: "first", Command: "sh", Args: []string{"-c", "echo one"}},
		{Name: "second", Command: "sh", Args: []string{"-c", "echo two"}},
	})
	assert.Equal(t, PhaseIdle, inst.Status().Phase)

	require.NoError(t, inst.Start(context.Background()))
	waitPhase(t, inst, PhaseDone)

	logs := inst.Logs()
	assert.Contains(t, logs, "one")
	assert.Contains(t, logs, "two")

	// Step banners bracket the output in order.
	var oneAt, twoAt int
	for idx, line := range logs {
		switch line {
		case "one":
			oneAt = idx
		case "two":
			twoAt = idx
		}
	}
	assert.Less(t, oneAt, twoAt)
}

func TestInstallerFailureStopsSequence(t *testing.T) {
	inst := NewInstaller([]Step{
		{Name: "boom", Command: "sh", Args: []string{"-c", "exit 3"}},
		{Name: "never", Command: "sh", Args: []string{"-c", "echo unreachable"}},
	})
	require.NoError(t, inst.Start(context.Background()))
	waitPhase(t, inst, PhaseFailed)

	st := inst.Status()
	assert.Contains(t, st.Error, "boom")
	assert.NotContains(t, inst.Logs(), "unreachable")
}

func TestInstallerRejectsConcurrentStart(t *testing.T) {
	inst := NewInstaller([]Step{
		{Name: "slow", Command: "sh", Args: []string{"-c", "sleep 1"}},
	})
	require.NoError(t, inst.Start(context.Background()))
	assert.Error(t, inst.Start(context.Background()))
	waitPhase(t, inst, PhaseDone)

	// Re-running after completion is fine.
	assert.NoError(t, inst.Start(context.Background()))
	waitPhase(t, inst, PhaseDone)
}

func TestSubscribeReplaysAndCloses(t *testing.T) {
	inst := NewInstaller([]Step{
		{Name: "emit", Command: "sh", Args: []string{"-c", "echo hello"}},
	})
	require.NoError(t, inst.Start(context.Background()))
	waitPhase(t, inst, PhaseDone)

	ch, cancel := inst.Subscribe()
	defer cancel()

	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	assert.Contains(t, lines, "hello")
}

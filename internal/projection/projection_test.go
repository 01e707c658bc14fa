package projection

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/sessiond/internal/domain"
)

func TestNormalizeDashboardStatus_KnownAliases(t *testing.T) {
	cases := map[string]DashboardStatus{
		"starting":     DashboardStarting,
		"queued":       DashboardStarting,
		"running":      DashboardRunning,
		"interrupting": DashboardRunning,
		"interrupted":  DashboardInterrupted,
		"completed":    DashboardCompleted,
		"success":      DashboardCompleted,
		"failed":       DashboardFailed,
		"killed":       DashboardFailed,
		"timeout":      DashboardFailed,
		" FAILED \n":   DashboardFailed,
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeDashboardStatus(input), "input %q", input)
	}
}

func TestNormalizeDashboardStatus_UnknownDefaultsToRunning(t *testing.T) {
	assert.Equal(t, DashboardRunning, NormalizeDashboardStatus("some-unrecognized-spelling"))
}

func TestNormalizeDashboardStatus_Idempotent(t *testing.T) {
	for bucket := range normalizedBucketSeed {
		assert.Equal(t, bucket, NormalizeDashboardStatusIdempotent(bucket))
	}
}

func TestNormalizeDashboardStatus_IdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.StringMatching(`[a-zA-Z_ \t\n]{0,20}`).Draw(t, "status")
		once := NormalizeDashboardStatus(raw)
		twice := NormalizeDashboardStatus(string(once))
		assert.Equal(t, once, NormalizeDashboardStatusIdempotent(once))
		assert.Equal(t, once, twice)
	})
}

func TestNormalizeFailureReason_NilAndBlank(t *testing.T) {
	assert.Nil(t, NormalizeFailureReason(nil))
	blank := "   \t\n  "
	assert.Nil(t, NormalizeFailureReason(&blank))
}

func TestNormalizeFailureReason_CollapsesWhitespace(t *testing.T) {
	in := "line one\n\n\tline two   trailing  "
	out := NormalizeFailureReason(&in)
	require.NotNil(t, out)
	assert.Equal(t, "line one line two trailing", *out)
}

func TestNormalizeFailureReason_TruncatesAt140(t *testing.T) {
	in := strings.Repeat("a", 500)
	out := NormalizeFailureReason(&in)
	require.NotNil(t, out)
	assert.Len(t, *out, 140)
	assert.True(t, strings.HasSuffix(*out, "..."))
}

func TestProjectDashboardRow_OnlyIncludesFailureReasonWhenFailed(t *testing.T) {
	now := time.Unix(1000, 0)
	reason := "oops"

	running := domain.NewSession("a", "a", "/repo", now)
	running.MarkRunning("run-1", now)
	rowRunning := ProjectDashboardRow(running)
	assert.Equal(t, DashboardRunning, rowRunning.Status)
	assert.Nil(t, rowRunning.FailureReason)

	failed := domain.NewSession("b", "b", "/repo", now)
	failed.MarkRunning("run-1", now)
	failed.MarkTerminal(domain.StatusFailed, &reason, now)
	rowFailed := ProjectDashboardRow(failed)
	assert.Equal(t, DashboardFailed, rowFailed.Status)
	require.NotNil(t, rowFailed.FailureReason)
	assert.Equal(t, reason, *rowFailed.FailureReason)
}

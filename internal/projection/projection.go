// Package projection maps internal session state onto the dashboard-facing
// view. Every function here is pure: no I/O, no locks, safe to fuzz.
package projection

import (
	"strings"
	"unicode"

	"github.com/zjrosen/sessiond/internal/domain"
)

// DashboardStatus is the coarse status shown to a dashboard consumer.
type DashboardStatus string

const (
	DashboardStarting    DashboardStatus = "Starting"
	DashboardRunning     DashboardStatus = "Running"
	DashboardInterrupted DashboardStatus = "Interrupted"
	DashboardCompleted   DashboardStatus = "Completed"
	DashboardFailed      DashboardStatus = "Failed"
)

var startingAliases = map[string]bool{
	"starting": true,
	"queued":   true,
	"created":  true,
}

var runningAliases = map[string]bool{
	"running":      true,
	"interrupting": true,
}

var completedAliases = map[string]bool{
	"completed": true,
	"complete":  true,
	"done":      true,
	"success":   true,
}

var failedAliases = map[string]bool{
	"failed":    true,
	"error":     true,
	"killed":    true,
	"cancelled": true,
	"canceled":  true,
	"crashed":   true,
	"panic":     true,
	"timed_out": true,
	"timeout":   true,
	"aborted":   true,
}

// NormalizeDashboardStatus maps any internal status spelling (including the
// provider-idiomatic aliases in failedAliases/completedAliases) onto one of
// the five dashboard buckets. Anything unrecognized defaults to Running,
// which keeps a session visible rather than silently dropped.
func NormalizeDashboardStatus(status string) DashboardStatus {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case startingAliases[s]:
		return DashboardStarting
	case runningAliases[s]:
		return DashboardRunning
	case s == string(domain.StatusInterrupted):
		return DashboardInterrupted
	case completedAliases[s]:
		return DashboardCompleted
	case failedAliases[s]:
		return DashboardFailed
	default:
		return DashboardRunning
	}
}

// normalizedBucketSeed is the canonical internal spelling that maps into each
// dashboard bucket; used to verify idempotence: normalizing the bucket's own
// canonical seed again must return the same bucket.
var normalizedBucketSeed = map[DashboardStatus]string{
	DashboardStarting:    "starting",
	DashboardRunning:     "running",
	DashboardInterrupted: "interrupted",
	DashboardCompleted:   "completed",
	DashboardFailed:      "failed",
}

// NormalizeDashboardStatusIdempotent re-applies the normalization to a
// dashboard bucket's canonical seed, satisfying the projection idempotence
// property: normalize(normalize(s)) == normalize(s).
func NormalizeDashboardStatusIdempotent(bucket DashboardStatus) DashboardStatus {
	return NormalizeDashboardStatus(normalizedBucketSeed[bucket])
}

const maxFailureReasonLen = 140
const truncatedLen = 137

// NormalizeFailureReason trims, collapses all whitespace runs (including
// newlines and tabs) to a single ASCII space, and bounds the result to 140
// characters (137 + "..." when it overflows). An empty or all-whitespace
// input yields nil, matching the "failure_reason is optional" contract.
func NormalizeFailureReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	collapsed := collapseWhitespace(*reason)
	if collapsed == "" {
		return nil
	}
	if runes := []rune(collapsed); len(runes) > maxFailureReasonLen {
		collapsed = string(runes[:truncatedLen]) + "..."
	}
	return &collapsed
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteByte(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return b.String()
}

// DashboardRow is the projection of a Session for dashboard consumption.
type DashboardRow struct {
	ID            string
	Name          string
	Status        DashboardStatus
	WorkingDir    string
	WorktreePath  *string
	CreatedAt     int64
	UpdatedAt     int64
	FailureReason *string
}

// ProjectDashboardRow copies identity fields from s, recomputes its
// dashboard status, and includes failure_reason only when the projected
// status is Failed.
func ProjectDashboardRow(s *domain.Session) DashboardRow {
	status := NormalizeDashboardStatus(string(s.Status()))
	row := DashboardRow{
		ID:           s.ID(),
		Name:         s.Name(),
		Status:       status,
		WorkingDir:   s.WorkingDir(),
		WorktreePath: s.WorktreePath(),
		CreatedAt:    s.CreatedAt().Unix(),
		UpdatedAt:    s.UpdatedAt().Unix(),
	}
	if status == DashboardFailed {
		row.FailureReason = s.FailureReason()
	}
	return row
}

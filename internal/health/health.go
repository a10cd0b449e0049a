package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/state"
)

const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusStale   = "stale"
	StatusError   = "error"
)

// Sources lists the state sections reported, in display order.
var Sources = []string{"gmail", "drive", "calendar", "slack", episode.SourceMCP}

type SourceHealth struct {
	LastRunAt           *time.Time `json:"last_run_at"`
	NextRunDue          *time.Time `json:"next_run_due"`
	LagSeconds          *float64   `json:"lag_seconds"`
	ErrorCount          int        `json:"error_count"`
	LastError           string     `json:"last_error,omitempty"`
	Status              string     `json:"status"`
	PollIntervalSeconds *float64   `json:"poll_interval_seconds"`
}

type Metrics struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Status      string                  `json:"status"`
	Sources     map[string]SourceHealth `json:"sources"`
}

// Collect derives per-source health from the state document. A source with
// errors is in error, one whose last run is older than twice its interval is
// stale, one that never ran is pending.
func Collect(doc state.Document, cfg config.Config, now time.Time) Metrics {
	now = now.UTC()
	metrics := Metrics{GeneratedAt: now, Sources: make(map[string]SourceHealth, len(Sources))}
	statuses := make([]string, 0, len(Sources))

	for _, source := range Sources {
		section := state.Section(doc, source)
		h := SourceHealth{
			ErrorCount: state.Int(section, "error_count"),
			LastError:  state.String(section, "last_error"),
		}
		interval, hasInterval := pollInterval(source, cfg)
		if hasInterval {
			seconds := interval.Seconds()
			h.PollIntervalSeconds = &seconds
		}
		if lastRun, ok := episode.ParseTime(state.String(section, "last_run_at")); ok {
			lastRun = lastRun.UTC()
			lag := now.Sub(lastRun).Seconds()
			h.LastRunAt = &lastRun
			h.LagSeconds = &lag
			if hasInterval {
				due := lastRun.Add(interval)
				h.NextRunDue = &due
			}
		}

		switch {
		case h.ErrorCount > 0:
			h.Status = StatusError
		case h.LastRunAt == nil:
			h.Status = StatusPending
		case hasInterval && *h.LagSeconds > 2*interval.Seconds():
			h.Status = StatusStale
		default:
			h.Status = StatusOK
		}
		statuses = append(statuses, h.Status)
		metrics.Sources[source] = h
	}
	metrics.Status = overall(statuses)
	return metrics
}

func overall(statuses []string) string {
	allPending := len(statuses) > 0
	stale := false
	for _, status := range statuses {
		switch status {
		case StatusError:
			return StatusError
		case StatusStale:
			stale = true
		}
		if status != StatusPending {
			allPending = false
		}
	}
	if stale {
		return StatusStale
	}
	if allPending {
		return StatusPending
	}
	return StatusOK
}

func pollInterval(source string, cfg config.Config) (time.Duration, bool) {
	var interval time.Duration
	switch source {
	case "gmail", "drive", "calendar":
		interval = cfg.PollGoogle
	case "slack":
		interval = cfg.PollSlackActive
	default:
		return 0, false
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval, true
}

// FormatDashboard renders metrics as a fixed-width text table.
func FormatDashboard(m Metrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync status at %s\n\n", m.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%-10s %-20s %-8s %-7s %-20s\n", "Source", "Last Run (UTC)", "Status", "Errors", "Next Due (UTC)")
	b.WriteString(strings.Repeat("-", 69))
	b.WriteByte('\n')
	for _, source := range Sources {
		h, ok := m.Sources[source]
		status := "UNKNOWN"
		if ok {
			status = strings.ToUpper(h.Status)
		}
		fmt.Fprintf(&b, "%-10s %-20s %-8s %-7d %-20s\n",
			source, formatTime(h.LastRunAt), status, h.ErrorCount, formatTime(h.NextRunDue))
	}
	fmt.Fprintf(&b, "\nOverall status: %s\n", strings.ToUpper(m.Status))
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

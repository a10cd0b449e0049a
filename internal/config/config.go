package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/transform"
)

var ErrInvalid = errors.New("invalid configuration")

// Error reports a configuration problem for one field. It matches
// ErrInvalid and unwraps to the underlying cause.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

type Summarization struct {
	Strategy      string
	Threshold     int
	MaxChars      int
	SentenceCount int
}

type BackfillDays struct {
	Gmail    int
	Drive    int
	Calendar int
	Slack    int
}

// Config is an immutable snapshot. Callers receive copies; the slices are
// never mutated after Load returns.
type Config struct {
	GroupID   string
	StateDSN  string
	SinkDSN   string
	// SinkToken is sent as a bearer token by sinks that authenticate.
	SinkToken string

	PollGoogle      time.Duration
	PollSlackActive time.Duration
	PollSlackIdle   time.Duration
	// GoogleSchedule and SlackSchedule override the interval-derived cron
	// specs when set.
	GoogleSchedule string
	SlackSchedule  string

	GmailFallbackDays     int
	BackfillDays          BackfillDays
	CalendarIDs           []string
	SlackChannelAllowlist []string
	SlackMaxRetries       int

	RedactionRules     []transform.RuleSpec
	RedactionRulesPath string
	Summarization      Summarization

	HTTPAddr   string
	AdminToken string
	LogLevel   string
	LogFormat  string

	GoogleToken string
	SlackToken  string
	SlackCookie string

	// Path is the YAML file the snapshot was loaded from, if any.
	Path string
}

func Default() Config {
	return Config{
		GroupID:           "default",
		StateDSN:          "~/.graphiti_sync",
		SinkDSN:           "sqlite://~/.graphiti_sync/episodes.db",
		PollGoogle:        3600 * time.Second,
		PollSlackActive:   30 * time.Second,
		PollSlackIdle:     3600 * time.Second,
		GmailFallbackDays: 7,
		BackfillDays:      BackfillDays{Gmail: 30, Drive: 30, Calendar: 30, Slack: 30},
		CalendarIDs:       []string{"primary"},
		SlackMaxRetries:   3,
		Summarization: Summarization{
			Strategy:      transform.StrategyNone,
			Threshold:     0,
			MaxChars:      600,
			SentenceCount: 3,
		},
		HTTPAddr:  ":8765",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.GroupID) == "" {
		return &Error{Field: "group_id", Err: errors.New("must not be empty")}
	}
	if strings.TrimSpace(c.StateDSN) == "" {
		return &Error{Field: "state_dsn", Err: errors.New("must not be empty")}
	}
	if strings.TrimSpace(c.SinkDSN) == "" {
		return &Error{Field: "sink_dsn", Err: errors.New("must not be empty")}
	}
	for field, value := range map[string]time.Duration{
		"poll_google_seconds":       c.PollGoogle,
		"poll_slack_active_seconds": c.PollSlackActive,
		"poll_slack_idle_seconds":   c.PollSlackIdle,
	} {
		if value <= 0 {
			return &Error{Field: field, Err: errors.New("must be positive")}
		}
	}
	if c.GmailFallbackDays < 1 {
		return &Error{Field: "gmail_fallback_days", Err: errors.New("must be at least 1")}
	}
	if c.SlackMaxRetries < 0 {
		return &Error{Field: "slack_max_retries", Err: errors.New("must not be negative")}
	}
	if c.Summarization.Threshold < 0 {
		return &Error{Field: "summarization.threshold", Err: errors.New("must not be negative")}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		return &Error{Field: "log_format", Err: fmt.Errorf("unknown format %q", c.LogFormat)}
	}
	return nil
}

// TransformOptions builds the processor options for this snapshot.
func (c Config) TransformOptions(logger transform.Logger) transform.Options {
	return transform.Options{
		Rules:         append([]transform.RuleSpec(nil), c.RedactionRules...),
		RulesPath:     c.RedactionRulesPath,
		Strategy:      c.Summarization.Strategy,
		Threshold:     c.Summarization.Threshold,
		MaxChars:      c.Summarization.MaxChars,
		SentenceCount: c.Summarization.SentenceCount,
		Logger:        logger,
	}
}

// PollInterval returns the configured interval for a source section name.
func (c Config) PollInterval(source string) time.Duration {
	switch source {
	case "slack":
		return c.PollSlackActive
	default:
		return c.PollGoogle
	}
}

// SourceBackfillDays returns the default backfill window for a source
// section name.
func (c Config) SourceBackfillDays(source string) int {
	switch source {
	case "gmail":
		return c.BackfillDays.Gmail
	case "drive":
		return c.BackfillDays.Drive
	case "calendar":
		return c.BackfillDays.Calendar
	case "slack":
		return c.BackfillDays.Slack
	default:
		return 0
	}
}

// ParseCSV splits raw on commas, trimming entries and dropping empty and
// duplicate ones while keeping the first occurrence order.
func ParseCSV(raw string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/episodesync/internal/transform"
)

const (
	EnvConfigPath     = "EPISODESYNC_CONFIG"
	DefaultDotenvPath = ".env"
)

type LoadOptions struct {
	// Path is the YAML file. When empty, EPISODESYNC_CONFIG is consulted.
	Path string
	// DotenvPath defaults to .env in the working directory. A missing file
	// is ignored.
	DotenvPath string
	// Environ replaces the process environment when non-nil.
	Environ map[string]string
}

// fileConfig mirrors the YAML layout. Pointer fields distinguish "absent"
// from zero values.
type fileConfig struct {
	GroupID   *string `yaml:"group_id"`
	StateDSN  *string `yaml:"state_dsn"`
	SinkDSN   *string `yaml:"sink_dsn"`
	SinkToken *string `yaml:"sink_token"`

	PollGoogleSeconds      *int    `yaml:"poll_google_seconds"`
	PollSlackActiveSeconds *int    `yaml:"poll_slack_active_seconds"`
	PollSlackIdleSeconds   *int    `yaml:"poll_slack_idle_seconds"`
	GoogleSchedule         *string `yaml:"google_schedule"`
	SlackSchedule          *string `yaml:"slack_schedule"`

	GmailFallbackDays     *int     `yaml:"gmail_fallback_days"`
	CalendarIDs           []string `yaml:"calendar_ids"`
	SlackChannelAllowlist []string `yaml:"slack_channel_allowlist"`
	SlackMaxRetries       *int     `yaml:"slack_max_retries"`
	BackfillDays          *struct {
		Gmail    *int `yaml:"gmail"`
		Drive    *int `yaml:"drive"`
		Calendar *int `yaml:"calendar"`
		Slack    *int `yaml:"slack"`
	} `yaml:"backfill_days"`

	RedactionRules     []transform.RuleSpec `yaml:"redaction_rules"`
	RedactionRulesPath *string              `yaml:"redaction_rules_path"`
	Summarization      *struct {
		Strategy      *string `yaml:"strategy"`
		Threshold     *int    `yaml:"threshold"`
		MaxChars      *int    `yaml:"max_chars"`
		SentenceCount *int    `yaml:"sentence_count"`
	} `yaml:"summarization"`

	HTTPAddr   *string `yaml:"http_addr"`
	AdminToken *string `yaml:"admin_token"`
	LogLevel   *string `yaml:"log_level"`
	LogFormat  *string `yaml:"log_format"`
}

// Load builds a snapshot from defaults, the YAML file, the .env file and the
// environment, in increasing precedence, then validates it.
func Load(opts LoadOptions) (Config, error) {
	values, err := environment(opts)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = strings.TrimSpace(values[EnvConfigPath])
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.Path = path
	}
	if err := applyEnv(&cfg, values); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// environment merges the .env file under the real environment so that
// variables already set always win.
func environment(opts LoadOptions) (map[string]string, error) {
	dotenvPath := strings.TrimSpace(opts.DotenvPath)
	if dotenvPath == "" {
		dotenvPath = DefaultDotenvPath
	}
	values := map[string]string{}
	fromFile, err := godotenv.Read(dotenvPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Field: "dotenv", Err: fmt.Errorf("read %s: %w", dotenvPath, err)}
	}
	for key, value := range fromFile {
		values[key] = value
	}

	environ := opts.Environ
	if environ == nil {
		environ = map[string]string{}
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok {
				environ[key] = value
			}
		}
	}
	for key, value := range environ {
		values[key] = value
	}
	return values, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Field: "config", Err: err}
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return &Error{Field: "config", Err: fmt.Errorf("parse %s: %w", path, err)}
	}

	setString(&cfg.GroupID, file.GroupID)
	setString(&cfg.StateDSN, file.StateDSN)
	setString(&cfg.SinkDSN, file.SinkDSN)
	setString(&cfg.SinkToken, file.SinkToken)
	setSeconds(&cfg.PollGoogle, file.PollGoogleSeconds)
	setSeconds(&cfg.PollSlackActive, file.PollSlackActiveSeconds)
	setSeconds(&cfg.PollSlackIdle, file.PollSlackIdleSeconds)
	setString(&cfg.GoogleSchedule, file.GoogleSchedule)
	setString(&cfg.SlackSchedule, file.SlackSchedule)
	setInt(&cfg.GmailFallbackDays, file.GmailFallbackDays)
	setInt(&cfg.SlackMaxRetries, file.SlackMaxRetries)
	if file.CalendarIDs != nil {
		cfg.CalendarIDs = ParseCSV(strings.Join(file.CalendarIDs, ","))
	}
	if file.SlackChannelAllowlist != nil {
		cfg.SlackChannelAllowlist = ParseCSV(strings.Join(file.SlackChannelAllowlist, ","))
	}
	if days := file.BackfillDays; days != nil {
		setInt(&cfg.BackfillDays.Gmail, days.Gmail)
		setInt(&cfg.BackfillDays.Drive, days.Drive)
		setInt(&cfg.BackfillDays.Calendar, days.Calendar)
		setInt(&cfg.BackfillDays.Slack, days.Slack)
	}
	if file.RedactionRules != nil {
		cfg.RedactionRules = append([]transform.RuleSpec(nil), file.RedactionRules...)
	}
	setString(&cfg.RedactionRulesPath, file.RedactionRulesPath)
	if s := file.Summarization; s != nil {
		setString(&cfg.Summarization.Strategy, s.Strategy)
		setInt(&cfg.Summarization.Threshold, s.Threshold)
		setInt(&cfg.Summarization.MaxChars, s.MaxChars)
		setInt(&cfg.Summarization.SentenceCount, s.SentenceCount)
	}
	setString(&cfg.HTTPAddr, file.HTTPAddr)
	setString(&cfg.AdminToken, file.AdminToken)
	setString(&cfg.LogLevel, file.LogLevel)
	setString(&cfg.LogFormat, file.LogFormat)
	return nil
}

func applyEnv(cfg *Config, values map[string]string) error {
	strs := []struct {
		key    string
		target *string
	}{
		{"GROUP_ID", &cfg.GroupID},
		{"EPISODESYNC_STATE_DSN", &cfg.StateDSN},
		{"EPISODESYNC_SINK_DSN", &cfg.SinkDSN},
		{"EPISODESYNC_SINK_TOKEN", &cfg.SinkToken},
		{"EPISODESYNC_GOOGLE_SCHEDULE", &cfg.GoogleSchedule},
		{"EPISODESYNC_SLACK_SCHEDULE", &cfg.SlackSchedule},
		{"REDACTION_RULES_PATH", &cfg.RedactionRulesPath},
		{"SUMMARIZATION_STRATEGY", &cfg.Summarization.Strategy},
		{"EPISODESYNC_HTTP_ADDR", &cfg.HTTPAddr},
		{"EPISODESYNC_ADMIN_TOKEN", &cfg.AdminToken},
		{"EPISODESYNC_LOG_LEVEL", &cfg.LogLevel},
		{"EPISODESYNC_LOG_FORMAT", &cfg.LogFormat},
		{"GOOGLE_ACCESS_TOKEN", &cfg.GoogleToken},
		{"SLACK_TOKEN", &cfg.SlackToken},
		{"SLACK_COOKIE", &cfg.SlackCookie},
	}
	for _, entry := range strs {
		if value := strings.TrimSpace(values[entry.key]); value != "" {
			*entry.target = value
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"GMAIL_FALLBACK_DAYS", &cfg.GmailFallbackDays},
		{"SLACK_MAX_RETRIES", &cfg.SlackMaxRetries},
		{"SUMMARIZATION_THRESHOLD", &cfg.Summarization.Threshold},
		{"SUMMARIZATION_MAX_CHARS", &cfg.Summarization.MaxChars},
		{"SUMMARIZATION_SENTENCE_COUNT", &cfg.Summarization.SentenceCount},
		{"EPISODESYNC_BACKFILL_DAYS_GMAIL", &cfg.BackfillDays.Gmail},
		{"EPISODESYNC_BACKFILL_DAYS_DRIVE", &cfg.BackfillDays.Drive},
		{"EPISODESYNC_BACKFILL_DAYS_CALENDAR", &cfg.BackfillDays.Calendar},
		{"EPISODESYNC_BACKFILL_DAYS_SLACK", &cfg.BackfillDays.Slack},
	}
	for _, entry := range ints {
		value, ok, err := intValue(values, entry.key)
		if err != nil {
			return err
		}
		if ok {
			*entry.target = value
		}
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"POLL_GMAIL_DRIVE_CAL", &cfg.PollGoogle},
		{"POLL_SLACK_ACTIVE", &cfg.PollSlackActive},
		{"POLL_SLACK_IDLE", &cfg.PollSlackIdle},
	}
	for _, entry := range durations {
		value, ok, err := intValue(values, entry.key)
		if err != nil {
			return err
		}
		if ok {
			*entry.target = time.Duration(value) * time.Second
		}
	}

	if raw, ok := values["CALENDAR_IDS"]; ok {
		cfg.CalendarIDs = ParseCSV(raw)
	}
	if raw, ok := values["SLACK_CHANNEL_ALLOWLIST"]; ok {
		cfg.SlackChannelAllowlist = ParseCSV(raw)
	}
	return nil
}

func intValue(values map[string]string, key string) (int, bool, error) {
	raw := strings.TrimSpace(values[key])
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, &Error{Field: key, Err: fmt.Errorf("invalid integer %q", raw)}
	}
	return value, true, nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}

func setSeconds(dst *time.Duration, value *int) {
	if value != nil {
		*dst = time.Duration(*value) * time.Second
	}
}

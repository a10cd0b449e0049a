package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/health"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type failingGmail struct {
	clients.NullGmailClient
	err error
}

func (f *failingGmail) ListHistory(ctx context.Context, cursor string) (clients.HistoryResult, error) {
	if f.err != nil {
		return clients.HistoryResult{}, f.err
	}
	return f.NullGmailClient.ListHistory(ctx, cursor)
}

type countingSlack struct {
	clients.NullSlackClient
	historyCalls int
}

func (c *countingSlack) FetchChannelHistory(context.Context, string, string) ([]map[string]any, error) {
	c.historyCalls++
	return nil, nil
}

type fixture struct {
	cfg   config.Config
	store *state.MemoryStore
	out   *sink.MemorySink
	set   ClientSet
	now   time.Time
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:   config.Default(),
		store: state.NewMemoryStore(),
		now:   fixedNow,
	}
	f.cfg.GroupID = "g1"
	f.out = sink.NewMemorySink("g1")
	sched, err := New(Options{
		Config:  func() config.Config { return f.cfg },
		Store:   f.store,
		Clients: func(config.Config, state.Store) ClientSet { return f.set },
		Sinks:   func(config.Config) (sink.Sink, error) { return f.out, nil },
		Now:     func() time.Time { return f.now },
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Rand:    func() float64 { return 0.5 },
	})
	require.NoError(t, err)
	f.sched = sched
	return f
}

func (f *fixture) section(t *testing.T, name string) map[string]any {
	t.Helper()
	doc, err := f.store.Load(context.Background())
	require.NoError(t, err)
	return state.Section(doc, name)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestRunSourceRecordsAndResetsErrors(t *testing.T) {
	f := newFixture(t)
	gmail := &failingGmail{err: errors.New("upstream unavailable")}
	f.set.Gmail = gmail
	ctx := context.Background()

	_, err := f.sched.RunSource(ctx, "gmail")
	require.Error(t, err)
	_, err = f.sched.RunSource(ctx, "gmail")
	require.Error(t, err)

	section := f.section(t, "gmail")
	assert.Equal(t, 2, state.Int(section, "error_count"))
	assert.Contains(t, state.String(section, "last_error"), "upstream unavailable")
	assert.Equal(t, "2024-05-10T12:00:00Z", state.String(section, "last_error_at"))

	gmail.err = nil
	_, err = f.sched.RunSource(ctx, "gmail")
	require.NoError(t, err)
	section = f.section(t, "gmail")
	assert.Equal(t, 0, state.Int(section, "error_count"))
	assert.Equal(t, "", state.String(section, "last_error"))
	assert.Equal(t, "noop", state.String(section, "last_history_id"))
}

func TestRunSourceRejectsUnknownSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.RunSource(context.Background(), "mcp")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestRunSourceGroupMismatchIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.out = sink.NewMemorySink("other")

	_, err := f.sched.RunSource(context.Background(), "drive")
	require.ErrorIs(t, err, sink.ErrGroupMismatch)
	assert.Equal(t, 1, state.Int(f.section(t, "drive"), "error_count"))
}

func TestRunGoogleContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.set.Gmail = &failingGmail{err: errors.New("quota")}

	counts, err := f.sched.RunGoogle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gmail: ")
	assert.Equal(t, map[string]int{"gmail": 0, "drive": 0, "calendar": 0}, counts)

	assert.Equal(t, "noop", state.String(f.section(t, "drive"), "page_token"))
	tokens := state.Map(f.section(t, "calendar"), "sync_tokens")
	assert.Equal(t, "noop:primary", tokens["primary"])
}

func TestBackfillSourcePassesDays(t *testing.T) {
	f := newFixture(t)
	n, err := f.sched.BackfillSource(context.Background(), "calendar", 5)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, state.Int(f.section(t, "calendar"), "backfilled_days"))
}

func TestRunSlackGoesIdleAfterEmptyRun(t *testing.T) {
	f := newFixture(t)
	slack := &countingSlack{NullSlackClient: clients.NullSlackClient{Channels: []map[string]any{{"id": "C1"}}}}
	f.set.Slack = slack
	ctx := context.Background()

	_, err := f.sched.RunSlack(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, slack.historyCalls)

	f.now = fixedNow.Add(10 * time.Minute)
	_, err = f.sched.RunSlack(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, slack.historyCalls, "idle window skips the run")

	f.now = fixedNow.Add(f.cfg.PollSlackIdle)
	_, err = f.sched.RunSlack(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, slack.historyCalls)
}

func TestRunSlackIgnoresIdleWithCronSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.SlackSchedule = "*/15 * * * * *"
	slack := &countingSlack{NullSlackClient: clients.NullSlackClient{Channels: []map[string]any{{"id": "C1"}}}}
	f.set.Slack = slack

	for i := 0; i < 2; i++ {
		_, err := f.sched.RunSlack(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, slack.historyCalls)
}

func TestHealthAndStateDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.RunSource(context.Background(), "gmail")
	require.NoError(t, err)

	metrics, err := f.sched.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusOK, metrics.Sources["gmail"].Status)
	assert.Equal(t, health.StatusPending, metrics.Sources["slack"].Status)

	doc, err := f.sched.StateDocument(context.Background())
	require.NoError(t, err)
	assert.Contains(t, doc, "gmail")
}

func TestSchedules(t *testing.T) {
	cfg := config.Default()
	google, slack := Schedules(cfg)
	assert.Equal(t, "@every 1h0m0s", google)
	assert.Equal(t, "@every 30s", slack)

	cfg.GoogleSchedule = " 0 */5 * * * * "
	cfg.PollSlackActive = 0
	google, slack = Schedules(cfg)
	assert.Equal(t, "0 */5 * * * *", google)
	assert.Equal(t, "@every 1s", slack)
}

func TestStartRegistersJobs(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.sched.Start(ctx))
	assert.Error(t, f.sched.Start(ctx))
	next := f.sched.NextRuns()
	assert.Contains(t, next, JobGoogle)
	assert.Contains(t, next, JobSlack)

	f.cfg.SlackSchedule = "bogus"
	err := f.sched.Reschedule(f.cfg)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Len(t, f.sched.NextRuns(), 2, "bad schedule keeps the current jobs")

	<-f.sched.Stop().Done()
	assert.Empty(t, f.sched.NextRuns())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.GoogleSchedule = "not a cron"
	err := f.sched.Start(context.Background())
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "google_schedule", cfgErr.Field)
}

func TestDefaultClients(t *testing.T) {
	store := state.NewFileStore(t.TempDir())
	cfg := config.Default()

	set := DefaultClients(cfg, store)
	assert.IsType(t, clients.NullGmailClient{}, set.Gmail)
	assert.IsType(t, clients.NullSlackClient{}, set.Slack)

	require.NoError(t, store.SaveTokens(map[string]any{"slack": map[string]any{"access_token": "xoxb-1"}}))
	set = DefaultClients(cfg, store)
	assert.IsType(t, &clients.SlackHTTPClient{}, set.Slack)
	assert.IsType(t, clients.NullDriveClient{}, set.Drive)

	cfg.GoogleToken = "ya29"
	set = DefaultClients(cfg, store)
	assert.IsType(t, &clients.GoogleHTTPClient{}, set.Gmail)
	assert.IsType(t, &clients.GoogleHTTPClient{}, set.Calendar)
}

func TestRunsEmitThroughSharedSink(t *testing.T) {
	f := newFixture(t)
	f.set.Calendar = staticCalendar{events: []map[string]any{{"id": "ev1", "updated": "2024-05-09T10:00:00Z", "summary": "sync"}}}

	n, err := f.sched.RunSource(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ep, ok := f.out.Episode(episode.SourceCalendar, "ev1")
	require.True(t, ok)
	assert.Equal(t, "g1", ep.GroupID)
}

type staticCalendar struct {
	events []map[string]any
}

func (c staticCalendar) ListEvents(context.Context, string, string) (clients.EventsPage, error) {
	return clients.EventsPage{Events: c.events, NextToken: "t1"}, nil
}

func (c staticCalendar) FullSync(context.Context, string) (clients.EventsPage, error) {
	return clients.EventsPage{Events: c.events, NextToken: "t1"}, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/health"
	"github.com/agentworkforce/episodesync/internal/pollers"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

const (
	JobGoogle = "google"
	JobSlack  = "slack"
)

// ErrUnknownSource is returned for a source name no poller handles.
var ErrUnknownSource = errors.New("unknown source")

// GoogleSources run sequentially in the google job.
var GoogleSources = []string{pollers.SectionGmail, pollers.SectionDrive, pollers.SectionCalendar}

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Logger interface {
	Printf(format string, args ...any)
}

type SinkFactory func(cfg config.Config) (sink.Sink, error)

type Options struct {
	// Config returns the current snapshot; it is called once per run.
	Config  func() config.Config
	Store   state.Store
	Clients ClientFactory
	Sinks   SinkFactory
	Logger  Logger
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
	Rand    func() float64
}

type Scheduler struct {
	config        func() config.Config
	store         state.Store
	clientFactory ClientFactory
	sinkFactory   SinkFactory
	logger        Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	rand          func() float64

	mu             sync.Mutex
	cron           *cron.Cron
	entries        map[string]cron.EntryID
	runCtx         context.Context
	slackIdleUntil time.Time
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, &config.Error{Field: "state_dsn", Err: errors.New("state store is required")}
	}
	if opts.Config == nil {
		cfg := config.Default()
		opts.Config = func() config.Config { return cfg }
	}
	if opts.Clients == nil {
		opts.Clients = DefaultClients
	}
	if opts.Sinks == nil {
		opts.Sinks = func(cfg config.Config) (sink.Sink, error) {
			return sink.Build(cfg.SinkDSN, cfg.GroupID, sink.BuildOptions{Token: cfg.SinkToken})
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		config:        opts.Config,
		store:         opts.Store,
		clientFactory: opts.Clients,
		sinkFactory:   opts.Sinks,
		logger:        opts.Logger,
		now:           opts.Now,
		sleep:         opts.Sleep,
		rand:          opts.Rand,
		entries:       map[string]cron.EntryID{},
	}, nil
}

// RunSource runs one incremental pass for source.
func (s *Scheduler) RunSource(ctx context.Context, source string) (int, error) {
	return s.execute(ctx, source, "run_once", func(ctx context.Context, p pollers.Poller) (int, error) {
		return p.RunOnce(ctx)
	})
}

// BackfillSource re-reads the last days of source. Zero days uses the
// configured window.
func (s *Scheduler) BackfillSource(ctx context.Context, source string, days int) (int, error) {
	return s.execute(ctx, source, "backfill", func(ctx context.Context, p pollers.Poller) (int, error) {
		return p.Backfill(ctx, days)
	})
}

// RunGoogle runs Gmail, Drive and Calendar in order. A failing source does
// not stop the ones after it.
func (s *Scheduler) RunGoogle(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(GoogleSources))
	var errs []error
	for _, source := range GoogleSources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.RunSource(ctx, source)
		counts[source] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
		}
	}
	return counts, errors.Join(errs...)
}

// RunSlack runs the Slack poller. After a run that found nothing, runs are
// skipped until the idle interval has passed, unless a cron schedule
// overrides the interval.
func (s *Scheduler) RunSlack(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.now()
	s.mu.Lock()
	idleUntil := s.slackIdleUntil
	s.mu.Unlock()
	if now.Before(idleUntil) {
		s.logf("source=slack idle until %s, skipping", idleUntil.UTC().Format(time.RFC3339))
		return 0, nil
	}

	n, err := s.RunSource(ctx, pollers.SectionSlack)

	idle := time.Time{}
	if err == nil && n == 0 && strings.TrimSpace(cfg.SlackSchedule) == "" && cfg.PollSlackIdle > cfg.PollSlackActive {
		idle = now.Add(cfg.PollSlackIdle)
	}
	s.mu.Lock()
	s.slackIdleUntil = idle
	s.mu.Unlock()
	return n, err
}

func (s *Scheduler) Health(ctx context.Context) (health.Metrics, error) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return health.Metrics{}, err
	}
	return health.Collect(doc, s.config(), s.now()), nil
}

func (s *Scheduler) StateDocument(ctx context.Context) (state.Document, error) {
	return s.store.Load(ctx)
}

func (s *Scheduler) execute(ctx context.Context, source, kind string, run func(context.Context, pollers.Poller) (int, error)) (int, error) {
	if !isSource(source) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	cfg := s.config()
	processed := 0
	err := state.WithLock(ctx, s.store, func(ctx context.Context) error {
		runErr := s.runLocked(ctx, source, cfg, &processed, run)
		if recErr := s.record(ctx, source, runErr); recErr != nil {
			s.logf("source=%s failed to record run outcome: %v", source, recErr)
		}
		return runErr
	})
	if err != nil {
		s.logf("source=%s kind=%s failed: %v", source, kind, err)
		return processed, err
	}
	return processed, nil
}

func (s *Scheduler) runLocked(ctx context.Context, source string, cfg config.Config, processed *int, run func(context.Context, pollers.Poller) (int, error)) error {
	out, err := s.sinkFactory(cfg)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if err := sink.Close(out); err != nil {
			s.logf("source=%s close sink: %v", source, err)
		}
	}()
	poller, err := s.poller(source, cfg, out)
	if err != nil {
		return err
	}
	n, err := run(ctx, poller)
	*processed = n
	return err
}

// record keeps error_count and last_error in the source section. A
// successful run resets them; cancellation is not counted.
func (s *Scheduler) record(ctx context.Context, source string, runErr error) error {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return nil
	}
	doc, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	section := state.Section(doc, source)
	count := state.Int(section, "error_count")
	var fields map[string]any
	switch {
	case runErr != nil:
		fields = map[string]any{
			"error_count":   count + 1,
			"last_error":    runErr.Error(),
			"last_error_at": state.Timestamp(s.now()),
		}
	case count != 0 || state.String(section, "last_error") != "":
		fields = map[string]any{"error_count": 0, "last_error": ""}
	default:
		return nil
	}
	_, err = s.store.Update(ctx, state.Document{source: fields})
	return err
}

func (s *Scheduler) poller(source string, cfg config.Config, out sink.Sink) (pollers.Poller, error) {
	set := s.clientsFor(cfg)
	opts := pollers.Options{
		Config: cfg,
		Logger: s.logger,
		Now:    s.now,
		Sleep:  s.sleep,
		Rand:   s.rand,
	}
	switch source {
	case pollers.SectionGmail:
		p, err := pollers.NewGmailPoller(set.Gmail, out, s.store, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case pollers.SectionDrive:
		p, err := pollers.NewDrivePoller(set.Drive, out, s.store, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case pollers.SectionCalendar:
		p, err := pollers.NewCalendarPoller(set.Calendar, out, s.store, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case pollers.SectionSlack:
		p, err := pollers.NewSlackPoller(set.Slack, out, s.store, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
}

// Start registers the google and slack jobs and starts the cron runner. The
// runner stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler: already started")
	}
	logger := cron.DiscardLogger
	if s.logger != nil {
		logger = cron.PrintfLogger(s.logger)
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s.cron = c
	s.runCtx = ctx
	if err := s.scheduleLocked(s.config()); err != nil {
		s.cron = nil
		return err
	}
	c.Start()
	s.logf("scheduler started jobs=%d", len(s.entries))

	go func() {
		<-ctx.Done()
		<-s.Stop().Done()
	}()
	return nil
}

// Reschedule replaces both jobs with schedules derived from cfg. On a bad
// expression the current schedule stays in place.
func (s *Scheduler) Reschedule(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	return s.scheduleLocked(cfg)
}

func (s *Scheduler) scheduleLocked(cfg config.Config) error {
	googleSpec, slackSpec := Schedules(cfg)
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{JobGoogle, googleSpec, s.googleJob},
		{JobSlack, slackSpec, s.slackJob},
	}
	for _, job := range jobs {
		if _, err := specParser.Parse(job.spec); err != nil {
			return &config.Error{Field: job.name + "_schedule", Err: err}
		}
	}
	for _, job := range jobs {
		if id, ok := s.entries[job.name]; ok {
			s.cron.Remove(id)
		}
		id, err := s.cron.AddFunc(job.spec, job.run)
		if err != nil {
			return &config.Error{Field: job.name + "_schedule", Err: err}
		}
		s.entries[job.name] = id
		s.logf("job=%s schedule=%q", job.name, job.spec)
	}
	return nil
}

// NextRuns reports when each registered job fires next.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.cron == nil {
		return out
	}
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Stop halts the cron runner. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.Stop()
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Scheduler) googleJob() {
	counts, err := s.RunGoogle(s.jobContext())
	if err != nil {
		s.logf("job=%s failed: %v", JobGoogle, err)
		return
	}
	s.logf("job=%s gmail=%d drive=%d calendar=%d", JobGoogle,
		counts[pollers.SectionGmail], counts[pollers.SectionDrive], counts[pollers.SectionCalendar])
}

func (s *Scheduler) slackJob() {
	n, err := s.RunSlack(s.jobContext())
	if err != nil {
		s.logf("job=%s failed: %v", JobSlack, err)
		return
	}
	s.logf("job=%s processed=%d", JobSlack, n)
}

// Schedules returns the cron specs for the google and slack jobs: the
// configured expression when set, otherwise an @every spec built from the
// poll interval.
func Schedules(cfg config.Config) (google, slack string) {
	google = strings.TrimSpace(cfg.GoogleSchedule)
	if google == "" {
		google = every(cfg.PollGoogle)
	}
	slack = strings.TrimSpace(cfg.SlackSchedule)
	if slack == "" {
		slack = every(cfg.PollSlackActive)
	}
	return google, slack
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

func isSource(source string) bool {
	switch source {
	case pollers.SectionGmail, pollers.SectionDrive, pollers.SectionCalendar, pollers.SectionSlack:
		return true
	}
	return false
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

package pollers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
	"github.com/agentworkforce/episodesync/internal/transform"
)

// ErrMalformedRecord aborts a run when a source record lacks a required
// field.
var ErrMalformedRecord = errors.New("malformed source record")

// State section names.
const (
	SectionGmail    = "gmail"
	SectionDrive    = "drive"
	SectionCalendar = "calendar"
	SectionSlack    = "slack"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Config config.Config
	Logger Logger
	Now    func() time.Time
	// Sleep is used for pacing and backoff; tests replace it to avoid real
	// waits.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) for jitter.
	Rand func() float64
	// Processor overrides the transform pipeline built from Config.
	Processor *transform.Processor
}

// Poller is the contract shared by every source poller.
type Poller interface {
	RunOnce(ctx context.Context) (int, error)
	Backfill(ctx context.Context, days int) (int, error)
}

type base struct {
	source    string
	cfg       config.Config
	store     state.Store
	sink      sink.Sink
	processor *transform.Processor
	logger    Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	rand      func() float64
}

func newBase(source string, store state.Store, out sink.Sink, opts Options) (base, error) {
	if store == nil {
		return base{}, &config.Error{Field: "state", Err: errors.New("state store is required")}
	}
	if out == nil {
		return base{}, &config.Error{Field: "sink", Err: errors.New("episode sink is required")}
	}
	if out.GroupID() != opts.Config.GroupID {
		return base{}, &config.Error{
			Field: "group_id",
			Err:   fmt.Errorf("%w: poller uses %q, sink uses %q", sink.ErrGroupMismatch, opts.Config.GroupID, out.GroupID()),
		}
	}
	b := base{
		source:    source,
		cfg:       opts.Config,
		store:     store,
		sink:      out,
		processor: opts.Processor,
		logger:    opts.Logger,
		now:       opts.Now,
		sleep:     opts.Sleep,
		rand:      opts.Rand,
	}
	if b.processor == nil {
		b.processor = transform.NewProcessor(opts.Config.TransformOptions(opts.Logger))
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.sleep == nil {
		b.sleep = sleepContext
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b, nil
}

// emit runs ep through the transform pipeline and upserts the result.
func (b *base) emit(ctx context.Context, ep episode.Episode) error {
	if err := b.sink.UpsertEpisode(ctx, b.processor.Process(ep)); err != nil {
		return fmt.Errorf("%s: upsert %s: %w", b.source, ep.NativeID, err)
	}
	return nil
}

func (b *base) section(ctx context.Context) (map[string]any, error) {
	doc, err := b.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: load state: %w", b.source, err)
	}
	return state.Section(doc, b.source), nil
}

func (b *base) commit(ctx context.Context, fields map[string]any) error {
	if _, err := b.store.Update(ctx, state.Document{b.source: fields}); err != nil {
		return fmt.Errorf("%s: update state: %w", b.source, err)
	}
	return nil
}

func (b *base) timestamp() string {
	return state.Timestamp(b.now())
}

// startRun logs the start of a run and returns a finisher that logs its
// outcome under the same run id.
func (b *base) startRun(kind string) func(processed int, err error) {
	runID := uuid.NewString()
	started := b.now()
	logf(b.logger, "source=%s run=%s run_id=%s started", b.source, kind, runID)
	return func(processed int, err error) {
		elapsed := b.now().Sub(started)
		if err != nil {
			logf(b.logger, "source=%s run=%s run_id=%s processed=%d elapsed=%s failed: %v", b.source, kind, runID, processed, elapsed, err)
			return
		}
		logf(b.logger, "source=%s run=%s run_id=%s processed=%d elapsed=%s", b.source, kind, runID, processed, elapsed)
	}
}

// jitterSleep waits center ± spread.
func (b *base) jitterSleep(ctx context.Context, center, spread time.Duration) error {
	if spread < 0 {
		spread = 0
	}
	lower := center - spread
	if lower < 0 {
		lower = 0
	}
	upper := center + spread
	delay := lower + time.Duration(b.rand()*float64(upper-lower))
	return b.sleep(ctx, delay)
}

func (b *base) cutoff(days int) time.Time {
	return b.now().UTC().AddDate(0, 0, -days)
}

// backfillDays applies the configured default for non-positive values and
// never goes below one day.
func backfillDays(days, configured int) int {
	if days <= 0 {
		days = configured
	}
	if days < 1 {
		days = 1
	}
	return days
}

func malformed(source, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", source, ErrMalformedRecord, fmt.Sprintf(format, args...))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func mapValue(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func truthy(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	case nil:
		return false
	default:
		return true
	}
}

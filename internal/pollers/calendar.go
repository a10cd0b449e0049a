package pollers

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

type CalendarPoller struct {
	base
	client      clients.CalendarClient
	calendarIDs []string
}

func NewCalendarPoller(client clients.CalendarClient, out sink.Sink, store state.Store, opts Options) (*CalendarPoller, error) {
	if client == nil {
		client = clients.NullCalendarClient{}
	}
	b, err := newBase(SectionCalendar, store, out, opts)
	if err != nil {
		return nil, err
	}
	return &CalendarPoller{
		base:        b,
		client:      client,
		calendarIDs: append([]string(nil), opts.Config.CalendarIDs...),
	}, nil
}

// RunOnce syncs every configured calendar. An expired token triggers a full
// sync for that calendar only. Tokens are stored together after the loop.
func (p *CalendarPoller) RunOnce(ctx context.Context) (processed int, err error) {
	finish := p.startRun("run_once")
	defer func() { finish(processed, err) }()

	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	stored := state.Map(section, "sync_tokens")
	tokens := episode.CloneMap(stored)

	for _, calendarID := range p.calendarIDs {
		token := state.String(stored, calendarID)
		page, err := p.client.ListEvents(ctx, calendarID, token)
		if errors.Is(err, clients.ErrSyncTokenExpired) {
			logf(p.logger, "source=calendar calendar=%s sync token expired, running full sync", calendarID)
			page, err = p.client.FullSync(ctx, calendarID)
		}
		if err != nil {
			return processed, fmt.Errorf("calendar: list events %s: %w", calendarID, err)
		}
		n, err := p.ingest(ctx, calendarID, page.Events, nil)
		processed += n
		if err != nil {
			return processed, err
		}
		if page.NextToken != "" {
			tokens[calendarID] = page.NextToken
		}
	}

	err = p.commit(ctx, map[string]any{
		"sync_tokens": tokens,
		"last_run_at": p.timestamp(),
	})
	return processed, err
}

// Backfill re-reads each calendar with a full sync and keeps events updated
// inside the window. The fresh sync tokens replace the stored ones.
func (p *CalendarPoller) Backfill(ctx context.Context, days int) (processed int, err error) {
	finish := p.startRun("backfill")
	defer func() { finish(processed, err) }()

	days = backfillDays(days, p.cfg.BackfillDays.Calendar)
	cutoff := p.cutoff(days)

	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	tokens := episode.CloneMap(state.Map(section, "sync_tokens"))
	for _, calendarID := range p.calendarIDs {
		page, err := p.client.FullSync(ctx, calendarID)
		if err != nil {
			return processed, fmt.Errorf("calendar: full sync %s: %w", calendarID, err)
		}
		n, err := p.ingest(ctx, calendarID, page.Events, func(ep episode.Episode) bool {
			return !ep.ValidAt.Before(cutoff)
		})
		processed += n
		if err != nil {
			return processed, err
		}
		if page.NextToken != "" {
			tokens[calendarID] = page.NextToken
		}
	}

	now := p.timestamp()
	err = p.commit(ctx, map[string]any{
		"sync_tokens":     tokens,
		"last_run_at":     now,
		"backfilled_days": days,
		"backfill_ran_at": now,
	})
	return processed, err
}

func (p *CalendarPoller) ingest(ctx context.Context, calendarID string, events []map[string]any, keep func(episode.Episode) bool) (int, error) {
	processed := 0
	for _, event := range events {
		ep, err := p.normalize(calendarID, event)
		if err != nil {
			return processed, err
		}
		if keep != nil && !keep(ep) {
			continue
		}
		if err := p.emit(ctx, ep); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (p *CalendarPoller) normalize(calendarID string, event map[string]any) (episode.Episode, error) {
	eventID, ok := stringValue(event["id"])
	if !ok {
		return episode.Episode{}, malformed("calendar", "event missing id")
	}
	updated, ok := stringValue(event["updated"])
	if !ok {
		return episode.Episode{}, malformed("calendar", "event %s missing updated timestamp", eventID)
	}
	validAt, ok := episode.ParseTime(updated)
	if !ok {
		validAt = p.now().UTC()
	}
	cancelled := event["status"] == "cancelled"

	metadata := map[string]any{
		"calendar_id":      calendarID,
		"event_id":         eventID,
		"recurringEventId": event["recurringEventId"],
		"tombstone":        cancelled,
	}
	if location := event["location"]; truthy(location) {
		metadata["location"] = location
	}
	if attendees, ok := event["attendees"].([]any); ok && len(attendees) > 0 {
		metadata["attendees"] = attendees
	}

	payload := episode.CloneMap(event)
	if cancelled {
		payload = map[string]any{"cancelled": true, "event": episode.CloneMap(event)}
	}
	return episode.Episode{
		GroupID:  p.cfg.GroupID,
		Source:   episode.SourceCalendar,
		NativeID: eventID,
		Version:  updated,
		ValidAt:  validAt,
		JSON:     payload,
		Metadata: metadata,
	}, nil
}

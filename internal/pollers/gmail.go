package pollers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

const (
	gmailPaceEvery  = 25
	gmailPaceBase   = 500 * time.Millisecond
	gmailPaceSpread = 250 * time.Millisecond
)

type GmailPoller struct {
	base
	client clients.GmailClient
}

func NewGmailPoller(client clients.GmailClient, out sink.Sink, store state.Store, opts Options) (*GmailPoller, error) {
	if client == nil {
		client = clients.NullGmailClient{}
	}
	b, err := newBase(SectionGmail, store, out, opts)
	if err != nil {
		return nil, err
	}
	return &GmailPoller{base: b, client: client}, nil
}

// RunOnce syncs messages added since the stored history id. An expired or
// missing cursor switches to the trailing fallback window once.
func (p *GmailPoller) RunOnce(ctx context.Context) (processed int, err error) {
	finish := p.startRun("run_once")
	defer func() { finish(processed, err) }()

	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	lastHistoryID := state.String(section, "last_history_id")

	fallbackUsed := false
	history, err := p.client.ListHistory(ctx, lastHistoryID)
	if errors.Is(err, clients.ErrHistoryNotFound) {
		logf(p.logger, "source=gmail history %q not found, falling back to %d days", lastHistoryID, p.cfg.GmailFallbackDays)
		fallbackUsed = true
		history, err = p.client.FallbackFetch(ctx, p.cfg.GmailFallbackDays)
	}
	if err != nil {
		return 0, fmt.Errorf("gmail: list history: %w", err)
	}

	seen := map[string]struct{}{}
	for _, id := range history.MessageIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ep, err := p.fetch(ctx, id)
		if err != nil {
			return processed, err
		}
		if err := p.emit(ctx, ep); err != nil {
			return processed, err
		}
		processed++
	}

	fields := map[string]any{
		"last_run_at":   p.timestamp(),
		"fallback_used": fallbackUsed,
	}
	if history.LatestCursor != "" {
		fields["last_history_id"] = history.LatestCursor
	}
	err = p.commit(ctx, fields)
	return processed, err
}

// Backfill ingests the trailing window of days, dropping messages older
// than the cutoff. The stored history id is only seeded when none exists.
func (p *GmailPoller) Backfill(ctx context.Context, days int) (processed int, err error) {
	finish := p.startRun("backfill")
	defer func() { finish(processed, err) }()

	days = backfillDays(days, p.cfg.BackfillDays.Gmail)
	cutoff := p.cutoff(days)

	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	history, err := p.client.FallbackFetch(ctx, days)
	if err != nil {
		return 0, fmt.Errorf("gmail: backfill fetch: %w", err)
	}

	seen := map[string]struct{}{}
	fetched := 0
	for _, id := range history.MessageIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ep, err := p.fetch(ctx, id)
		if err != nil {
			return processed, err
		}
		fetched++
		if !ep.ValidAt.Before(cutoff) {
			if err := p.emit(ctx, ep); err != nil {
				return processed, err
			}
			processed++
		}
		if fetched%gmailPaceEvery == 0 {
			if err := p.jitterSleep(ctx, gmailPaceBase, gmailPaceSpread); err != nil {
				return processed, err
			}
		}
	}

	now := p.timestamp()
	fields := map[string]any{
		"last_run_at":     now,
		"backfilled_days": days,
		"backfill_ran_at": now,
	}
	if state.String(section, "last_history_id") == "" && history.LatestCursor != "" {
		fields["last_history_id"] = history.LatestCursor
	}
	err = p.commit(ctx, fields)
	return processed, err
}

func (p *GmailPoller) fetch(ctx context.Context, id string) (episode.Episode, error) {
	message, err := p.client.FetchMessage(ctx, id)
	if err != nil {
		return episode.Episode{}, fmt.Errorf("gmail: fetch message %s: %w", id, err)
	}
	return p.normalize(message)
}

func (p *GmailPoller) normalize(message map[string]any) (episode.Episode, error) {
	messageID := scalarString(message["id"])
	if messageID == "" {
		return episode.Episode{}, malformed("gmail", "message missing id")
	}
	rawDate, ok := message["internalDate"]
	if !ok || rawDate == nil {
		return episode.Episode{}, malformed("gmail", "message %s missing internalDate", messageID)
	}
	internalMillis, err := strconv.ParseInt(scalarString(rawDate), 10, 64)
	if err != nil {
		return episode.Episode{}, malformed("gmail", "message %s has invalid internalDate %v", messageID, rawDate)
	}

	version := scalarString(message["historyId"])
	if version == "" {
		version = strconv.FormatInt(internalMillis, 10)
	}

	headers := map[string]any{}
	if payload, ok := mapValue(message["payload"]); ok {
		if list, ok := payload["headers"].([]any); ok {
			for _, item := range list {
				header, ok := mapValue(item)
				if !ok {
					continue
				}
				name, nameOK := stringValue(header["name"])
				value, valueOK := stringValue(header["value"])
				if nameOK && valueOK {
					headers[strings.ToLower(name)] = value
				}
			}
		}
	}

	ep := episode.Episode{
		GroupID:  p.cfg.GroupID,
		Source:   episode.SourceGmail,
		NativeID: messageID,
		Version:  version,
		ValidAt:  time.UnixMilli(internalMillis).UTC(),
		Metadata: map[string]any{
			"message_id": messageID,
			"thread_id":  message["threadId"],
			"headers":    headers,
		},
	}
	if snippet, ok := message["snippet"]; ok && snippet != nil {
		ep.Text = episode.StringPtr(scalarString(snippet))
	}
	return ep, nil
}

// scalarString renders JSON scalars the way Google APIs mix them: ids and
// epoch values arrive as strings or numbers.
func scalarString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

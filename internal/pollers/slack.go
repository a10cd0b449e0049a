package pollers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

// SlackPoller reads channel history and expands threads. Calls run
// sequentially because every channel shares one rate-limit budget.
type SlackPoller struct {
	base
	client     clients.SlackClient
	resolver   clients.SlackUserResolver
	allowlist  map[string]struct{}
	maxRetries int
}

func NewSlackPoller(client clients.SlackClient, out sink.Sink, store state.Store, opts Options) (*SlackPoller, error) {
	if client == nil {
		client = clients.NullSlackClient{}
	}
	b, err := newBase(SectionSlack, store, out, opts)
	if err != nil {
		return nil, err
	}
	p := &SlackPoller{
		base:       b,
		client:     client,
		allowlist:  map[string]struct{}{},
		maxRetries: opts.Config.SlackMaxRetries,
	}
	if resolver, ok := client.(clients.SlackUserResolver); ok {
		p.resolver = resolver
	}
	for _, entry := range opts.Config.SlackChannelAllowlist {
		if entry = strings.ToLower(strings.TrimSpace(entry)); entry != "" {
			p.allowlist[entry] = struct{}{}
		}
	}
	return p, nil
}

// slackRun carries the per-run caches and the checkpoints being built.
type slackRun struct {
	users    map[string]any
	threads  map[string]any
	expanded map[string]struct{}
	emitted  map[string]struct{}
	// oldest and cutoff are set for backfills.
	oldest string
	cutoff *time.Time
}

func (p *SlackPoller) RunOnce(ctx context.Context) (processed int, err error) {
	finish := p.startRun("run_once")
	defer func() { finish(processed, err) }()
	processed, err = p.run(ctx, nil, nil)
	return processed, err
}

// Backfill fetches from the cutoff instead of the stored checkpoints and
// merges the newest timestamps into them.
func (p *SlackPoller) Backfill(ctx context.Context, days int) (processed int, err error) {
	finish := p.startRun("backfill")
	defer func() { finish(processed, err) }()
	days = backfillDays(days, p.cfg.BackfillDays.Slack)
	cutoff := p.cutoff(days)
	processed, err = p.run(ctx, &cutoff, map[string]any{
		"backfilled_days": days,
		"backfill_ran_at": p.timestamp(),
	})
	return processed, err
}

func (p *SlackPoller) run(ctx context.Context, cutoff *time.Time, extra map[string]any) (int, error) {
	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	storedChannels := state.Map(section, "channels")
	storedThreads := state.Map(section, "threads")

	run := &slackRun{
		users:    loadUserCache(state.Map(section, "users")),
		threads:  map[string]any{},
		expanded: map[string]struct{}{},
		emitted:  map[string]struct{}{},
		cutoff:   cutoff,
	}
	if cutoff != nil {
		run.oldest = formatSlackTS(*cutoff)
	}

	channels, err := p.channels(ctx, storedChannels)
	if err != nil {
		return 0, err
	}

	processed := 0
	channelState := map[string]any{}
	for _, channel := range channels {
		channelID, _ := stringValue(channel["id"])
		lastSeen := state.String(state.Map(storedChannels, channelID), "last_seen_ts")
		oldest, skipUntil := lastSeen, lastSeen
		if cutoff != nil {
			oldest, skipUntil = run.oldest, ""
		}
		n, newest, err := p.processChannel(ctx, run, channel, oldest, skipUntil, state.Map(storedThreads, channelID))
		processed += n
		if err != nil {
			return processed, err
		}
		entry := map[string]any{"metadata": channel}
		if checkpoint := maxTS(lastSeen, newest); checkpoint != "" {
			entry["last_seen_ts"] = checkpoint
		}
		channelState[channelID] = entry
	}

	fields := map[string]any{
		"channels":    channelState,
		"threads":     run.threads,
		"users":       run.users,
		"last_run_at": p.timestamp(),
	}
	for key, value := range extra {
		fields[key] = value
	}
	return processed, p.commit(ctx, fields)
}

// channels returns the cached inventory, or discovers it when nothing is
// cached. The allowlist applies either way.
func (p *SlackPoller) channels(ctx context.Context, stored map[string]any) ([]map[string]any, error) {
	var candidates []map[string]any
	if len(stored) > 0 {
		for id, raw := range stored {
			entry, _ := mapValue(raw)
			metadata, ok := mapValue(entry["metadata"])
			if !ok {
				metadata = map[string]any{}
			}
			metadata = episode.CloneMap(metadata)
			metadata["id"] = id
			candidates = append(candidates, metadata)
		}
	} else {
		listed, err := callWithBackoff(ctx, &p.base, p.maxRetries, func(ctx context.Context) ([]map[string]any, error) {
			return p.client.ListChannels(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("slack: list channels: %w", err)
		}
		for _, channel := range listed {
			id, ok := stringValue(channel["id"])
			if !ok || strings.TrimSpace(id) == "" {
				continue
			}
			metadata := map[string]any{"id": strings.TrimSpace(id)}
			if name, ok := stringValue(channel["name"]); ok && strings.TrimSpace(name) != "" {
				metadata["name"] = strings.TrimSpace(name)
			}
			if private, ok := channel["is_private"].(bool); ok {
				metadata["is_private"] = private
			}
			candidates = append(candidates, metadata)
		}
	}

	out := make([]map[string]any, 0, len(candidates))
	for _, channel := range candidates {
		if p.allowed(channel) {
			out = append(out, channel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := stringValue(out[i]["id"])
		b, _ := stringValue(out[j]["id"])
		return a < b
	})
	return out, nil
}

func (p *SlackPoller) allowed(channel map[string]any) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	for _, key := range []string{"id", "name"} {
		if value, ok := stringValue(channel[key]); ok {
			if _, hit := p.allowlist[strings.ToLower(value)]; hit {
				return true
			}
		}
	}
	return false
}

func (p *SlackPoller) processChannel(ctx context.Context, run *slackRun, channel map[string]any, oldest, skipUntil string, storedThreads map[string]any) (int, string, error) {
	channelID, _ := stringValue(channel["id"])
	messages, err := callWithBackoff(ctx, &p.base, p.maxRetries, func(ctx context.Context) ([]map[string]any, error) {
		return p.client.FetchChannelHistory(ctx, channelID, oldest)
	})
	if err != nil {
		return 0, "", fmt.Errorf("slack: history %s: %w", channelID, err)
	}

	processed := 0
	newest := ""
	for _, message := range messages {
		ts, ok := p.eligible(message, skipUntil)
		if !ok {
			continue
		}
		emitted, err := p.ingest(ctx, run, channel, ts, message)
		if err != nil {
			return processed, newest, err
		}
		if emitted {
			processed++
		}
		newest = maxTS(newest, ts)

		threadTS, _ := stringValue(message["thread_ts"])
		if threadTS == "" || (threadTS == ts && !hasReplies(message)) {
			continue
		}
		key := channelID + ":" + threadTS
		if _, done := run.expanded[key]; done {
			continue
		}
		run.expanded[key] = struct{}{}
		n, err := p.processThread(ctx, run, channel, threadTS, state.Map(storedThreads, threadTS))
		processed += n
		if err != nil {
			return processed, newest, err
		}
	}

	// Replies to threads whose parent is older than the channel checkpoint
	// never show up in history, so known threads are polled on their own.
	known := make([]string, 0, len(storedThreads))
	for threadTS := range storedThreads {
		if _, done := run.expanded[channelID+":"+threadTS]; !done {
			known = append(known, threadTS)
		}
	}
	sort.Strings(known)
	for _, threadTS := range known {
		run.expanded[channelID+":"+threadTS] = struct{}{}
		n, err := p.processThread(ctx, run, channel, threadTS, state.Map(storedThreads, threadTS))
		processed += n
		if err != nil {
			return processed, newest, err
		}
	}
	return processed, newest, nil
}

func (p *SlackPoller) processThread(ctx context.Context, run *slackRun, channel map[string]any, threadTS string, stored map[string]any) (int, error) {
	channelID, _ := stringValue(channel["id"])
	lastSeen := state.String(stored, "last_seen_ts")
	oldest, skipUntil := lastSeen, lastSeen
	if run.cutoff != nil {
		oldest, skipUntil = run.oldest, ""
	}
	replies, err := callWithBackoff(ctx, &p.base, p.maxRetries, func(ctx context.Context) ([]map[string]any, error) {
		return p.client.FetchThreadReplies(ctx, channelID, threadTS, oldest)
	})
	if err != nil {
		return 0, fmt.Errorf("slack: replies %s/%s: %w", channelID, threadTS, err)
	}

	processed := 0
	newest := ""
	for _, reply := range replies {
		ts, ok := p.eligible(reply, skipUntil)
		if !ok {
			continue
		}
		emitted, err := p.ingest(ctx, run, channel, ts, reply)
		if err != nil {
			return processed, err
		}
		if emitted {
			processed++
		}
		newest = maxTS(newest, ts)
	}

	if checkpoint := maxTS(lastSeen, newest); checkpoint != "" {
		threads, ok := mapValue(run.threads[channelID])
		if !ok {
			threads = map[string]any{}
			run.threads[channelID] = threads
		}
		threads[threadTS] = map[string]any{"last_seen_ts": checkpoint}
	}
	return processed, nil
}

// eligible filters system messages, messages without ts and messages at or
// before the checkpoint.
func (p *SlackPoller) eligible(message map[string]any, skipUntil string) (string, bool) {
	if subtype, _ := stringValue(message["subtype"]); subtype != "" {
		return "", false
	}
	ts, _ := stringValue(message["ts"])
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "", false
	}
	if skipUntil != "" && !isNewerTS(ts, skipUntil) {
		return "", false
	}
	return ts, true
}

// ingest upserts one message unless it was already emitted this run or
// falls before the backfill cutoff.
func (p *SlackPoller) ingest(ctx context.Context, run *slackRun, channel map[string]any, ts string, message map[string]any) (bool, error) {
	ep, err := p.normalize(ctx, run, channel, ts, message)
	if err != nil {
		return false, err
	}
	if _, dup := run.emitted[ep.NativeID]; dup {
		return false, nil
	}
	if run.cutoff != nil && ep.ValidAt.Before(*run.cutoff) {
		return false, nil
	}
	if err := p.emit(ctx, ep); err != nil {
		return false, err
	}
	run.emitted[ep.NativeID] = struct{}{}
	return true, nil
}

func (p *SlackPoller) normalize(ctx context.Context, run *slackRun, channel map[string]any, ts string, message map[string]any) (episode.Episode, error) {
	channelID, _ := stringValue(channel["id"])
	validAt, _ := parseSlackTS(ts)

	metadata := map[string]any{
		"channel_id":   channelID,
		"channel_name": channel["name"],
		"thread_ts":    message["thread_ts"],
		"permalink":    message["permalink"],
	}
	if userID, ok := stringValue(message["user"]); ok && strings.TrimSpace(userID) != "" {
		userID = strings.TrimSpace(userID)
		metadata["user_id"] = userID
		user, err := p.resolveUser(ctx, run, userID)
		if err != nil {
			return episode.Episode{}, err
		}
		metadata["user_name"] = user["name"]
		metadata["user_email"] = user["email"]
	}
	for key, value := range metadata {
		if !truthy(value) {
			delete(metadata, key)
		}
	}

	ep := episode.Episode{
		GroupID:  p.cfg.GroupID,
		Source:   episode.SourceSlack,
		NativeID: channelID + ":" + ts,
		Version:  ts,
		ValidAt:  validAt,
		JSON:     episode.CloneMap(message),
		Metadata: metadata,
	}
	if text, ok := stringValue(message["text"]); ok {
		ep.Text = episode.StringPtr(text)
	}
	return ep, nil
}

func (p *SlackPoller) resolveUser(ctx context.Context, run *slackRun, userID string) (map[string]any, error) {
	if cached, ok := mapValue(run.users[userID]); ok {
		return cached, nil
	}
	record := map[string]any{"id": userID}
	if p.resolver != nil {
		info, err := callWithBackoff(ctx, &p.base, p.maxRetries, func(ctx context.Context) (map[string]any, error) {
			return p.resolver.ResolveUser(ctx, userID)
		})
		if err != nil {
			return nil, fmt.Errorf("slack: resolve user %s: %w", userID, err)
		}
		for _, key := range []string{"name", "real_name", "display_name"} {
			if name, ok := stringValue(info[key]); ok && strings.TrimSpace(name) != "" {
				record["name"] = strings.TrimSpace(name)
				break
			}
		}
		if email, ok := stringValue(info["email"]); ok && strings.TrimSpace(email) != "" {
			record["email"] = strings.TrimSpace(email)
		}
	}
	run.users[userID] = record
	return record, nil
}

func loadUserCache(stored map[string]any) map[string]any {
	users := map[string]any{}
	for key, raw := range stored {
		entry, ok := mapValue(raw)
		if !ok {
			continue
		}
		record := map[string]any{"id": key}
		if id, ok := stringValue(entry["id"]); ok && id != "" {
			record["id"] = id
		}
		for _, field := range []string{"name", "email"} {
			if value, ok := stringValue(entry[field]); ok && strings.TrimSpace(value) != "" {
				record[field] = strings.TrimSpace(value)
			}
		}
		users[key] = record
	}
	return users
}

func hasReplies(message map[string]any) bool {
	switch count := message["reply_count"].(type) {
	case float64:
		return count > 0
	case int:
		return count > 0
	default:
		return false
	}
}

// isNewerTS compares Slack timestamps numerically, falling back to string
// order when either side does not parse.
func isNewerTS(candidate, reference string) bool {
	c, errC := strconv.ParseFloat(candidate, 64)
	r, errR := strconv.ParseFloat(reference, 64)
	if errC != nil || errR != nil {
		return candidate > reference
	}
	return c > r
}

func maxTS(current, candidate string) string {
	if current == "" {
		return candidate
	}
	if candidate == "" {
		return current
	}
	if isNewerTS(candidate, current) {
		return candidate
	}
	return current
}

// parseSlackTS converts "seconds.micros" into a UTC time without going
// through float64.
func parseSlackTS(ts string) (time.Time, bool) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	seconds, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC(), false
	}
	var nanos int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		nanos, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Unix(seconds, 0).UTC(), false
		}
	}
	return time.Unix(seconds, nanos).UTC(), true
}

func formatSlackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

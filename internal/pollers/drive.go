package pollers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/episode"
	"github.com/agentworkforce/episodesync/internal/sink"
	"github.com/agentworkforce/episodesync/internal/state"
)

const (
	driveBackfillPageCap = 200
	drivePaceBase        = 500 * time.Millisecond
	drivePaceSpread      = 300 * time.Millisecond
	driveFilesPrefix     = "files:"
)

type DrivePoller struct {
	base
	client clients.DriveClient
}

func NewDrivePoller(client clients.DriveClient, out sink.Sink, store state.Store, opts Options) (*DrivePoller, error) {
	if client == nil {
		client = clients.NullDriveClient{}
	}
	b, err := newBase(SectionDrive, store, out, opts)
	if err != nil {
		return nil, err
	}
	return &DrivePoller{base: b, client: client}, nil
}

// RunOnce applies one page of changes and stores whatever token the client
// returned.
func (p *DrivePoller) RunOnce(ctx context.Context) (processed int, err error) {
	finish := p.startRun("run_once")
	defer func() { finish(processed, err) }()

	section, err := p.section(ctx)
	if err != nil {
		return 0, err
	}
	result, err := p.client.ListChanges(ctx, state.String(section, "page_token"))
	if err != nil {
		return 0, fmt.Errorf("drive: list changes: %w", err)
	}
	for _, change := range result.Changes {
		ep, ok, err := p.normalize(ctx, change)
		if err != nil {
			return processed, err
		}
		if !ok {
			continue
		}
		if err := p.emit(ctx, ep); err != nil {
			return processed, err
		}
		processed++
	}
	err = p.commit(ctx, map[string]any{
		"page_token":  result.NewToken,
		"last_run_at": p.timestamp(),
	})
	return processed, err
}

// Backfill walks historical pages until an empty page, a repeated or empty
// token, or the page cap. The stored page token only moves when the walk
// ends on an incremental changes token.
func (p *DrivePoller) Backfill(ctx context.Context, days int) (processed int, err error) {
	finish := p.startRun("backfill")
	defer func() { finish(processed, err) }()

	days = backfillDays(days, p.cfg.BackfillDays.Drive)
	cutoff := p.cutoff(days)
	pageToken := ""
	for page := 0; page < driveBackfillPageCap; page++ {
		result, err := p.backfillPage(ctx, days, pageToken)
		if err != nil {
			return processed, fmt.Errorf("drive: backfill page %d: %w", page+1, err)
		}
		if len(result.Changes) == 0 {
			break
		}
		for _, change := range result.Changes {
			ep, ok, err := p.normalize(ctx, change)
			if err != nil {
				return processed, err
			}
			if !ok || ep.ValidAt.Before(cutoff) {
				continue
			}
			if err := p.emit(ctx, ep); err != nil {
				return processed, err
			}
			processed++
		}
		next := result.NewToken
		if next == "" || next == pageToken {
			pageToken = next
			break
		}
		pageToken = next
		if err := p.jitterSleep(ctx, drivePaceBase, drivePaceSpread); err != nil {
			return processed, err
		}
	}

	now := p.timestamp()
	fields := map[string]any{
		"last_run_at":     now,
		"backfilled_days": days,
		"backfill_ran_at": now,
	}
	if pageToken != "" && !strings.HasPrefix(pageToken, driveFilesPrefix) {
		fields["page_token"] = pageToken
	}
	err = p.commit(ctx, fields)
	return processed, err
}

func (p *DrivePoller) backfillPage(ctx context.Context, days int, token string) (clients.ChangesResult, error) {
	if backfiller, ok := p.client.(clients.DriveBackfiller); ok {
		return backfiller.BackfillChanges(ctx, days, token)
	}
	return p.client.ListChanges(ctx, token)
}

// normalize returns ok=false for changes that carry nothing to ingest.
func (p *DrivePoller) normalize(ctx context.Context, change map[string]any) (episode.Episode, bool, error) {
	fileID, ok := stringValue(change["fileId"])
	if !ok {
		return episode.Episode{}, false, nil
	}
	file, hasFile := mapValue(change["file"])
	changeTime, _ := stringValue(change["time"])

	if truthy(change["removed"]) || (hasFile && truthy(file["trashed"])) {
		at, ok := episode.ParseTime(changeTime)
		if !ok {
			at = p.now().UTC()
		}
		return episode.Episode{
			GroupID:  p.cfg.GroupID,
			Source:   episode.SourceDrive,
			NativeID: fileID,
			Version:  "deleted:" + episode.FormatTime(at),
			ValidAt:  at,
			JSON:     map[string]any{"deleted": true},
			Metadata: map[string]any{"file_id": fileID, "tombstone": true},
		}, true, nil
	}
	if !hasFile {
		return episode.Episode{}, false, nil
	}

	modifiedTime, _ := stringValue(file["modifiedTime"])
	validAt, ok := episode.ParseTime(modifiedTime)
	if !ok {
		validAt, ok = episode.ParseTime(changeTime)
	}
	if !ok {
		validAt = p.now().UTC()
	}
	version := scalarString(file["headRevisionId"])
	if version == "" {
		version = modifiedTime
	}
	if version == "" {
		version = episode.FormatTime(validAt)
	}

	content, err := p.client.FetchFileContent(ctx, fileID, file)
	if err != nil {
		return episode.Episode{}, false, fmt.Errorf("drive: fetch content %s: %w", fileID, err)
	}

	url := file["webViewLink"]
	if !truthy(url) {
		url = file["webContentLink"]
	}
	metadata := map[string]any{
		"file_id":     fileID,
		"name":        file["name"],
		"mimeType":    file["mimeType"],
		"webViewLink": file["webViewLink"],
		"url":         url,
	}
	for key, value := range content.Metadata {
		metadata[key] = value
	}
	revisionID := file["headRevisionId"]
	if !truthy(revisionID) {
		revisionID = file["revisionId"]
	}
	if _, exists := metadata["revisionId"]; truthy(revisionID) && !exists {
		metadata["revisionId"] = revisionID
	}
	owners := metadata["owners"]
	if !truthy(owners) {
		owners = file["owners"]
	}
	if owners != nil {
		metadata["owners"] = owners
	}

	return episode.Episode{
		GroupID:  p.cfg.GroupID,
		Source:   episode.SourceDrive,
		NativeID: fileID,
		Version:  version,
		ValidAt:  validAt,
		Text:     content.Text,
		Metadata: metadata,
	}, true, nil
}

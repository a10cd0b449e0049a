package clients

import (
	"context"
	"fmt"
)

// Null clients are used when no credentials are configured. They return
// nothing and keep cursors stable.

type NullGmailClient struct{}

func (NullGmailClient) ListHistory(_ context.Context, cursor string) (HistoryResult, error) {
	if cursor == "" {
		cursor = "noop"
	}
	return HistoryResult{LatestCursor: cursor}, nil
}

func (NullGmailClient) FallbackFetch(_ context.Context, days int) (HistoryResult, error) {
	return HistoryResult{LatestCursor: fmt.Sprintf("noop:%d", days)}, nil
}

func (NullGmailClient) FetchMessage(_ context.Context, id string) (map[string]any, error) {
	return map[string]any{"id": id}, nil
}

type NullDriveClient struct{}

func (NullDriveClient) ListChanges(_ context.Context, token string) (ChangesResult, error) {
	if token == "" {
		token = "noop"
	}
	return ChangesResult{NewToken: token}, nil
}

func (NullDriveClient) BackfillChanges(_ context.Context, _ int, token string) (ChangesResult, error) {
	if token == "" {
		token = "noop"
	}
	return ChangesResult{NewToken: token}, nil
}

func (NullDriveClient) FetchFileContent(context.Context, string, map[string]any) (FileContent, error) {
	return FileContent{Metadata: map[string]any{}}, nil
}

type NullCalendarClient struct{}

func (NullCalendarClient) ListEvents(_ context.Context, calendarID, token string) (EventsPage, error) {
	if token == "" {
		token = "noop:" + calendarID
	}
	return EventsPage{NextToken: token}, nil
}

func (NullCalendarClient) FullSync(_ context.Context, calendarID string) (EventsPage, error) {
	return EventsPage{NextToken: "noop:" + calendarID}, nil
}

// NullSlackClient reports a fixed channel inventory and no messages.
type NullSlackClient struct {
	Channels []map[string]any
}

func (c NullSlackClient) ListChannels(context.Context) ([]map[string]any, error) {
	out := make([]map[string]any, len(c.Channels))
	copy(out, c.Channels)
	return out, nil
}

func (NullSlackClient) FetchChannelHistory(context.Context, string, string) ([]map[string]any, error) {
	return nil, nil
}

func (NullSlackClient) FetchThreadReplies(context.Context, string, string, string) ([]map[string]any, error) {
	return nil, nil
}

func (NullSlackClient) ResolveUser(context.Context, string) (map[string]any, error) {
	return nil, nil
}

var (
	_ GmailClient       = NullGmailClient{}
	_ DriveClient       = NullDriveClient{}
	_ DriveBackfiller   = NullDriveClient{}
	_ CalendarClient    = NullCalendarClient{}
	_ SlackClient       = NullSlackClient{}
	_ SlackUserResolver = NullSlackClient{}
)

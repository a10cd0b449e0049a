package clients

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrHistoryNotFound  = errors.New("gmail history not found")
	ErrSyncTokenExpired = errors.New("calendar sync token expired")
	ErrRateLimited      = errors.New("rate limited")
)

// RateLimitedError carries the delay the server asked for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed: status=%d message=%s", e.StatusCode, e.Message)
}

type HistoryResult struct {
	MessageIDs   []string
	LatestCursor string
}

type ChangesResult struct {
	Changes  []map[string]any
	NewToken string
}

type FileContent struct {
	Text     *string
	Metadata map[string]any
}

type EventsPage struct {
	Events    []map[string]any
	NextToken string
}

type GmailClient interface {
	// ListHistory returns an error wrapping ErrHistoryNotFound when cursor
	// is empty or no longer valid.
	ListHistory(ctx context.Context, cursor string) (HistoryResult, error)
	FallbackFetch(ctx context.Context, days int) (HistoryResult, error)
	FetchMessage(ctx context.Context, id string) (map[string]any, error)
}

type DriveClient interface {
	ListChanges(ctx context.Context, token string) (ChangesResult, error)
	FetchFileContent(ctx context.Context, fileID string, file map[string]any) (FileContent, error)
}

// DriveBackfiller is implemented by Drive clients with a dedicated
// historical listing.
type DriveBackfiller interface {
	BackfillChanges(ctx context.Context, days int, token string) (ChangesResult, error)
}

type CalendarClient interface {
	// ListEvents returns an error wrapping ErrSyncTokenExpired when the
	// server rejects token.
	ListEvents(ctx context.Context, calendarID, token string) (EventsPage, error)
	FullSync(ctx context.Context, calendarID string) (EventsPage, error)
}

// SlackClient calls may fail with *RateLimitedError.
type SlackClient interface {
	ListChannels(ctx context.Context) ([]map[string]any, error)
	FetchChannelHistory(ctx context.Context, channelID, oldest string) ([]map[string]any, error)
	FetchThreadReplies(ctx context.Context, channelID, threadTS, oldest string) ([]map[string]any, error)
}

type SlackUserResolver interface {
	ResolveUser(ctx context.Context, userID string) (map[string]any, error)
}

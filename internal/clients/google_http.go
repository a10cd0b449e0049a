package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGoogleBaseURL = "https://www.googleapis.com"

	driveChangeFields = "nextPageToken,newStartPageToken,changes(fileId,removed,time,file(id,name,mimeType,modifiedTime,createdTime,trashed,headRevisionId,webViewLink,webContentLink,owners))"
	driveFileFields   = "nextPageToken,files(id,name,mimeType,modifiedTime,createdTime,trashed,headRevisionId,webViewLink,webContentLink,owners)"
	driveFetchFields  = "id,name,mimeType,modifiedTime,createdTime,description,webViewLink,owners"

	calendarFullSyncWindow = 365 * 24 * time.Hour

	// filesTokenPrefix marks backfill tokens that page through files.list
	// rather than changes.list.
	filesTokenPrefix = "files:"
)

type GoogleHTTPOptions struct {
	HTTPOptions
	Now func() time.Time
}

// GoogleHTTPClient implements the Gmail, Drive and Calendar clients on top of
// the Google REST APIs using a caller-supplied OAuth access token.
type GoogleHTTPClient struct {
	req requester
	now func() time.Time
}

func NewGoogleHTTPClient(opts GoogleHTTPOptions) *GoogleHTTPClient {
	req := newRequester("google", defaultGoogleBaseURL, opts.HTTPOptions)
	req.retryRateLimit = true
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GoogleHTTPClient{req: req, now: now}
}

func isStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

// Gmail

func (c *GoogleHTTPClient) ListHistory(ctx context.Context, cursor string) (HistoryResult, error) {
	if strings.TrimSpace(cursor) == "" {
		return HistoryResult{}, fmt.Errorf("%w: no history id stored", ErrHistoryNotFound)
	}
	result := HistoryResult{LatestCursor: cursor}
	pageToken := ""
	for {
		query := url.Values{"startHistoryId": {cursor}, "historyTypes": {"messageAdded"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			History []struct {
				MessagesAdded []struct {
					Message struct {
						ID string `json:"id"`
					} `json:"message"`
				} `json:"messagesAdded"`
			} `json:"history"`
			HistoryID     string `json:"historyId"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := c.req.getJSON(ctx, "/gmail/v1/users/me/history", query, &page); err != nil {
			if isStatus(err, http.StatusNotFound) {
				return HistoryResult{}, fmt.Errorf("%w: %v", ErrHistoryNotFound, err)
			}
			return HistoryResult{}, err
		}
		for _, record := range page.History {
			for _, added := range record.MessagesAdded {
				if added.Message.ID != "" {
					result.MessageIDs = append(result.MessageIDs, added.Message.ID)
				}
			}
		}
		if page.HistoryID != "" {
			result.LatestCursor = page.HistoryID
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			return result, nil
		}
	}
}

func (c *GoogleHTTPClient) FallbackFetch(ctx context.Context, days int) (HistoryResult, error) {
	cutoff := c.now().UTC().AddDate(0, 0, -days)
	var result HistoryResult
	pageToken := ""
	for {
		query := url.Values{"q": {"after:" + cutoff.Format("2006/01/02")}, "maxResults": {"500"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := c.req.getJSON(ctx, "/gmail/v1/users/me/messages", query, &page); err != nil {
			return HistoryResult{}, err
		}
		for _, message := range page.Messages {
			result.MessageIDs = append(result.MessageIDs, message.ID)
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	var profile struct {
		HistoryID string `json:"historyId"`
	}
	if err := c.req.getJSON(ctx, "/gmail/v1/users/me/profile", nil, &profile); err != nil {
		return HistoryResult{}, err
	}
	result.LatestCursor = profile.HistoryID
	return result, nil
}

func (c *GoogleHTTPClient) FetchMessage(ctx context.Context, id string) (map[string]any, error) {
	var message map[string]any
	err := c.req.getJSON(ctx, "/gmail/v1/users/me/messages/"+url.PathEscape(id), url.Values{"format": {"full"}}, &message)
	return message, err
}

// Drive

func (c *GoogleHTTPClient) ListChanges(ctx context.Context, token string) (ChangesResult, error) {
	if token == "" || strings.HasPrefix(token, filesTokenPrefix) {
		start, err := c.startPageToken(ctx)
		if err != nil {
			return ChangesResult{}, err
		}
		token = start
	}
	var page struct {
		Changes           []map[string]any `json:"changes"`
		NextPageToken     string           `json:"nextPageToken"`
		NewStartPageToken string           `json:"newStartPageToken"`
	}
	query := url.Values{"pageToken": {token}, "spaces": {"drive"}, "fields": {driveChangeFields}}
	if err := c.req.getJSON(ctx, "/drive/v3/changes", query, &page); err != nil {
		return ChangesResult{}, err
	}
	next := page.NewStartPageToken
	if next == "" {
		next = page.NextPageToken
	}
	if next == "" {
		next = token
	}
	return ChangesResult{Changes: page.Changes, NewToken: next}, nil
}

// BackfillChanges lists files modified in the window as synthetic changes.
// While more file pages remain the returned token carries the files.list
// cursor; the last page returns a fresh changes token so incremental sync
// resumes from now. Passing that changes token back reports an empty page,
// which ends the backfill.
func (c *GoogleHTTPClient) BackfillChanges(ctx context.Context, days int, token string) (ChangesResult, error) {
	if token != "" && !strings.HasPrefix(token, filesTokenPrefix) {
		return ChangesResult{NewToken: token}, nil
	}
	cutoff := c.now().UTC().AddDate(0, 0, -days)
	query := url.Values{
		"q":        {fmt.Sprintf("modifiedTime > '%s'", cutoff.Format(time.RFC3339))},
		"spaces":   {"drive"},
		"fields":   {driveFileFields},
		"pageSize": {"100"},
	}
	if strings.HasPrefix(token, filesTokenPrefix) {
		query.Set("pageToken", strings.TrimPrefix(token, filesTokenPrefix))
	}
	var page struct {
		Files         []map[string]any `json:"files"`
		NextPageToken string           `json:"nextPageToken"`
	}
	if err := c.req.getJSON(ctx, "/drive/v3/files", query, &page); err != nil {
		return ChangesResult{}, err
	}
	changes := make([]map[string]any, 0, len(page.Files))
	for _, file := range page.Files {
		changes = append(changes, map[string]any{
			"fileId":  file["id"],
			"file":    file,
			"time":    file["modifiedTime"],
			"removed": false,
		})
	}
	if page.NextPageToken != "" {
		return ChangesResult{Changes: changes, NewToken: filesTokenPrefix + page.NextPageToken}, nil
	}
	start, err := c.startPageToken(ctx)
	if err != nil {
		return ChangesResult{}, err
	}
	return ChangesResult{Changes: changes, NewToken: start}, nil
}

func (c *GoogleHTTPClient) FetchFileContent(ctx context.Context, fileID string, _ map[string]any) (FileContent, error) {
	path := "/drive/v3/files/" + url.PathEscape(fileID)
	var file map[string]any
	if err := c.req.getJSON(ctx, path, url.Values{"fields": {driveFetchFields}}, &file); err != nil {
		return FileContent{}, err
	}
	mimeType, _ := file["mimeType"].(string)

	var (
		body []byte
		err  error
	)
	switch {
	case strings.HasPrefix(mimeType, "application/vnd.google-apps.spreadsheet"):
		body, err = c.req.do(ctx, http.MethodGet, path+"/export", url.Values{"mimeType": {"text/csv"}}, nil)
	case strings.HasPrefix(mimeType, "application/vnd.google-apps.document"),
		strings.HasPrefix(mimeType, "application/vnd.google-apps.presentation"):
		body, err = c.req.do(ctx, http.MethodGet, path+"/export", url.Values{"mimeType": {"text/plain"}}, nil)
	case strings.HasPrefix(mimeType, "text/"):
		body, err = c.req.do(ctx, http.MethodGet, path, url.Values{"alt": {"media"}}, nil)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return FileContent{}, err
		}
		// Export failures degrade to a metadata-only episode.
		body = nil
	}
	content := FileContent{Metadata: file}
	if text := strings.ToValidUTF8(string(body), ""); text != "" {
		content.Text = &text
	}
	return content, nil
}

func (c *GoogleHTTPClient) startPageToken(ctx context.Context) (string, error) {
	var resp struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.req.getJSON(ctx, "/drive/v3/changes/startPageToken", nil, &resp); err != nil {
		return "", err
	}
	return resp.StartPageToken, nil
}

// Calendar

func (c *GoogleHTTPClient) ListEvents(ctx context.Context, calendarID, token string) (EventsPage, error) {
	query := url.Values{"singleEvents": {"false"}, "showDeleted": {"true"}}
	if token != "" {
		query.Set("syncToken", token)
	}
	page, err := c.listEvents(ctx, calendarID, query)
	if err != nil && isStatus(err, http.StatusGone) {
		return EventsPage{}, fmt.Errorf("%w: %v", ErrSyncTokenExpired, err)
	}
	return page, err
}

func (c *GoogleHTTPClient) FullSync(ctx context.Context, calendarID string) (EventsPage, error) {
	query := url.Values{
		"singleEvents": {"false"},
		"showDeleted":  {"true"},
		"maxResults":   {"250"},
		"timeMin":      {c.now().UTC().Add(-calendarFullSyncWindow).Format(time.RFC3339)},
	}
	return c.listEvents(ctx, calendarID, query)
}

func (c *GoogleHTTPClient) listEvents(ctx context.Context, calendarID string, base url.Values) (EventsPage, error) {
	var result EventsPage
	pageToken := ""
	for {
		query := url.Values{}
		for key, values := range base {
			query[key] = values
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page struct {
			Items         []map[string]any `json:"items"`
			NextPageToken string           `json:"nextPageToken"`
			NextSyncToken string           `json:"nextSyncToken"`
		}
		path := "/calendar/v3/calendars/" + url.PathEscape(calendarID) + "/events"
		if err := c.req.getJSON(ctx, path, query, &page); err != nil {
			return EventsPage{}, err
		}
		result.Events = append(result.Events, page.Items...)
		if page.NextSyncToken != "" {
			result.NextToken = page.NextSyncToken
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			return result, nil
		}
	}
}

var (
	_ GmailClient     = (*GoogleHTTPClient)(nil)
	_ DriveClient     = (*GoogleHTTPClient)(nil)
	_ DriveBackfiller = (*GoogleHTTPClient)(nil)
	_ CalendarClient  = (*GoogleHTTPClient)(nil)
)

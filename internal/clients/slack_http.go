package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultSlackBaseURL = "https://slack.com/api"

type SlackHTTPOptions struct {
	HTTPOptions
	// Cookie is the "d" session cookie that accompanies xoxc tokens. When
	// set, the token is also sent in the form body as Slack expects.
	Cookie    string
	PageLimit int
}

// SlackHTTPClient talks to the Slack Web API. Rate limits are surfaced as
// *RateLimitedError and never retried here.
type SlackHTTPClient struct {
	req       requester
	pageLimit int
}

func NewSlackHTTPClient(opts SlackHTTPOptions) *SlackHTTPClient {
	req := newRequester("slack", defaultSlackBaseURL, opts.HTTPOptions)
	if cookie := strings.TrimSpace(opts.Cookie); cookie != "" {
		req.tokenInForm = true
		req.decorate = func(r *http.Request) {
			r.Header.Set("Cookie", "d="+cookie)
		}
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 200
	}
	return &SlackHTTPClient{req: req, pageLimit: pageLimit}
}

type slackResponse struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error"`
	RetryAfter       float64          `json:"retry_after"`
	Channels         []map[string]any `json:"channels"`
	Messages         []map[string]any `json:"messages"`
	User             map[string]any   `json:"user"`
	HasMore          bool             `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (c *SlackHTTPClient) call(ctx context.Context, method string, params url.Values) (slackResponse, error) {
	var out slackResponse
	body, err := c.req.do(ctx, http.MethodPost, "/"+method, nil, params)
	if err != nil {
		return out, err
	}
	if err := decodeJSON("slack", body, &out); err != nil {
		return out, err
	}
	if !out.OK {
		if out.Error == "ratelimited" {
			retryAfter := time.Duration(out.RetryAfter * float64(time.Second))
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			return out, &RateLimitedError{RetryAfter: retryAfter}
		}
		errCode := out.Error
		if errCode == "" {
			errCode = "unknown_error"
		}
		return out, fmt.Errorf("slack %s failed: %s", method, errCode)
	}
	return out, nil
}

func (c *SlackHTTPClient) ListChannels(ctx context.Context) ([]map[string]any, error) {
	var channels []map[string]any
	cursor := ""
	for {
		params := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {strconv.Itoa(c.pageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.call(ctx, "conversations.list", params)
		if err != nil {
			return nil, err
		}
		channels = append(channels, resp.Channels...)
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

// FetchChannelHistory returns messages newer than oldest in ascending ts
// order.
func (c *SlackHTTPClient) FetchChannelHistory(ctx context.Context, channelID, oldest string) ([]map[string]any, error) {
	params := url.Values{"channel": {channelID}}
	if oldest != "" {
		params.Set("oldest", oldest)
	}
	return c.paginate(ctx, "conversations.history", params)
}

func (c *SlackHTTPClient) FetchThreadReplies(ctx context.Context, channelID, threadTS, oldest string) ([]map[string]any, error) {
	params := url.Values{"channel": {channelID}, "ts": {threadTS}}
	if oldest != "" {
		params.Set("oldest", oldest)
	}
	return c.paginate(ctx, "conversations.replies", params)
}

func (c *SlackHTTPClient) ResolveUser(ctx context.Context, userID string) (map[string]any, error) {
	resp, err := c.call(ctx, "users.info", url.Values{"user": {userID}})
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, nil
	}
	profile, _ := resp.User["profile"].(map[string]any)
	record := map[string]any{
		"id":        userID,
		"name":      resp.User["name"],
		"real_name": resp.User["real_name"],
	}
	if profile != nil {
		record["display_name"] = profile["display_name"]
		record["email"] = profile["email"]
	}
	return record, nil
}

func (c *SlackHTTPClient) paginate(ctx context.Context, method string, base url.Values) ([]map[string]any, error) {
	var messages []map[string]any
	cursor := ""
	for {
		params := url.Values{}
		for key, values := range base {
			params[key] = values
		}
		params.Set("limit", strconv.Itoa(c.pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.call(ctx, method, params)
		if err != nil {
			return nil, err
		}
		messages = append(messages, resp.Messages...)
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" || !resp.HasMore {
			break
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return tsLess(messages[i]["ts"], messages[j]["ts"])
	})
	return messages, nil
}

func tsLess(a, b any) bool {
	as, _ := a.(string)
	bs, _ := b.(string)
	af, errA := strconv.ParseFloat(as, 64)
	bf, errB := strconv.ParseFloat(bs, 64)
	if errA != nil || errB != nil {
		return as < bs
	}
	return af < bf
}

var (
	_ SlackClient       = (*SlackHTTPClient)(nil)
	_ SlackUserResolver = (*SlackHTTPClient)(nil)
)

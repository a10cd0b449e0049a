package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/episodesync/internal/episode"
)

const (
	frameTypeUpsert = "episode.upsert"
	frameTypeAck    = "ack"

	defaultWebsocketTimeout = 15 * time.Second
)

var ErrRemoteRejected = errors.New("remote sink rejected episode")

type WebsocketOptions struct {
	Token   string
	Timeout time.Duration
}

type upsertFrame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Episode map[string]any `json:"episode"`
}

type ackFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// WebsocketSink forwards episodes to a remote graph writer over a single
// websocket connection, one frame per upsert, waiting for the matching ack.
type WebsocketSink struct {
	groupID string
	url     string
	token   string
	timeout time.Duration
	newID   func() string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebsocketSink(url, groupID string, opts WebsocketOptions) (*WebsocketSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrInvalidInput
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWebsocketTimeout
	}
	return &WebsocketSink{
		groupID: groupID,
		url:     url,
		token:   strings.TrimSpace(opts.Token),
		timeout: timeout,
		newID:   uuid.NewString,
	}, nil
}

func (s *WebsocketSink) GroupID() string {
	return s.groupID
}

func (s *WebsocketSink) UpsertEpisode(ctx context.Context, ep episode.Episode) error {
	if err := checkGroup(s.groupID, ep); err != nil {
		return err
	}
	props, err := ep.ToProperties()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	frame := upsertFrame{Type: frameTypeUpsert, ID: s.newID(), Episode: props}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		s.dropConn()
		return fmt.Errorf("send episode %s: %w", ep.EpisodeID(), err)
	}
	for {
		var ack ackFrame
		if err := wsjson.Read(ctx, conn, &ack); err != nil {
			s.dropConn()
			return fmt.Errorf("await ack for episode %s: %w", ep.EpisodeID(), err)
		}
		if ack.Type != frameTypeAck || ack.ID != frame.ID {
			continue
		}
		if ack.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrRemoteRejected, ep.EpisodeID(), ack.Error)
		}
		return nil
	}
}

func (s *WebsocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	return err
}

func (s *WebsocketSink) connect(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	var opts *websocket.DialOptions
	if s.token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.token}}}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial websocket sink: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *WebsocketSink) dropConn() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(websocket.StatusInternalError, "upsert failed")
	s.conn = nil
}

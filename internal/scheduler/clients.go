package scheduler

import (
	"context"
	"strings"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/state"
)

// ClientSet bundles the source clients used by one run.
type ClientSet struct {
	Gmail    clients.GmailClient
	Drive    clients.DriveClient
	Calendar clients.CalendarClient
	Slack    clients.SlackClient
}

type ClientFactory func(cfg config.Config, store state.Store) ClientSet

// DefaultClients builds HTTP clients for the sources that have a token,
// either in the config or in the store's token file, and null clients for
// the rest.
func DefaultClients(cfg config.Config, store state.Store) ClientSet {
	set := ClientSet{
		Gmail:    clients.NullGmailClient{},
		Drive:    clients.NullDriveClient{},
		Calendar: clients.NullCalendarClient{},
		Slack:    clients.NullSlackClient{},
	}
	if token := resolveToken(cfg.GoogleToken, store, "google"); token != "" {
		google := clients.NewGoogleHTTPClient(clients.GoogleHTTPOptions{
			HTTPOptions: clients.HTTPOptions{TokenProvider: clients.StaticToken(token)},
		})
		set.Gmail, set.Drive, set.Calendar = google, google, google
	}
	if token := resolveToken(cfg.SlackToken, store, "slack"); token != "" {
		set.Slack = clients.NewSlackHTTPClient(clients.SlackHTTPOptions{
			HTTPOptions: clients.HTTPOptions{TokenProvider: clients.StaticToken(token)},
			Cookie:      cfg.SlackCookie,
		})
	}
	return set
}

// resolveToken prefers the configured token and falls back to tokens.json,
// where an entry is either a bare string or an object with access_token.
func resolveToken(configured string, store state.Store, name string) string {
	if token := strings.TrimSpace(configured); token != "" {
		return token
	}
	fs, ok := store.(*state.FileStore)
	if !ok {
		return ""
	}
	tokens, err := fs.LoadTokens()
	if err != nil {
		return ""
	}
	switch entry := tokens[name].(type) {
	case string:
		return strings.TrimSpace(entry)
	case map[string]any:
		return strings.TrimSpace(state.String(entry, "access_token"))
	}
	return ""
}

func (s *Scheduler) clientsFor(cfg config.Config) ClientSet {
	set := s.clientFactory(cfg, s.store)
	if set.Gmail == nil {
		set.Gmail = clients.NullGmailClient{}
	}
	if set.Drive == nil {
		set.Drive = clients.NullDriveClient{}
	}
	if set.Calendar == nil {
		set.Calendar = clients.NullCalendarClient{}
	}
	if set.Slack == nil {
		set.Slack = clients.NullSlackClient{}
	}
	return set
}

// ListSlackChannels runs channel discovery with the configured Slack client.
func (s *Scheduler) ListSlackChannels(ctx context.Context) ([]map[string]any, error) {
	return s.clientsFor(s.config()).Slack.ListChannels(ctx)
}

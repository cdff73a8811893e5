// Package gmail wraps the Gmail-shaped REST API down to exactly the
// endpoints the sync orchestrator needs (profile, messages.list,
// messages.get(raw), history.list), plus messages.send for outbound
// replies. A sony/gobreaker circuit breaker
// sits in front of every call, the same protection pattern used by
// outbound adapters elsewhere in this codebase (distinct from, and in
// addition to, this system's own DB-recorded per-mailbox breaker).
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ossmail/ingestor/pkg/httputil"
)

const ReadonlyScope = gmail.GmailReadonlyScope

// SendScope is used only by send-identity credentials (outbound_send),
// which are provisioned separately from the read-only journal mailbox
// credentials that back backfill/history sync.
const SendScope = gmail.GmailSendScope

// Config holds exactly the OAuth client fields this system uses
// (no project/topic — push notifications are out of scope).
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func OAuth2Config(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{ReadonlyScope},
		Endpoint:     googleoauth.Endpoint,
	}
}

// GmailAPIError is the generic non-404 failure surfaced by any call.
type GmailAPIError struct {
	Status  int
	Message string
}

func (e *GmailAPIError) Error() string {
	return fmt.Sprintf("gmail api error: status=%d message=%s", e.Status, e.Message)
}

// HistoryExpiredError is the 404 recovery condition on history.list.
type HistoryExpiredError struct{}

func (e *HistoryExpiredError) Error() string { return "gmail: history expired" }

type Client struct {
	cb *gobreaker.CircuitBreaker
}

// NewClient builds a typed Gmail client authorized with tok, wrapped
// by a circuit breaker matching known-good gmail-api settings
// (more than 5 consecutive failures, or >=60% failure ratio over 10+
// requests).
func NewClient(ctx context.Context, cfg Config, tok *oauth2.Token) (*Client, *gmail.Service, error) {
	oauthCfg := OAuth2Config(cfg)
	httpClient := oauthCfg.Client(ctx, tok)
	httpClient.Transport = wrapTransport(httpClient.Transport)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, nil, fmt.Errorf("gmail: new service: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
	}

	return &Client{cb: gobreaker.NewCircuitBreaker(settings)}, svc, nil
}

func wrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = httputil.GmailClient().Transport
	}
	return base
}

type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

func (c *Client) GetProfile(ctx context.Context, svc *gmail.Service) (*Profile, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	p := result.(*gmail.Profile)
	return &Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

type MessageRef struct {
	ID       string
	ThreadID string
}

type ListMessagesResult struct {
	Messages      []MessageRef
	NextPageToken string
}

func (c *Client) ListMessages(ctx context.Context, svc *gmail.Service, pageToken string, maxResults int64) (*ListMessagesResult, error) {
	result, err := c.cb.Execute(func() (any, error) {
		call := svc.Users.Messages.List("me").IncludeSpamTrash(true).MaxResults(maxResults).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		return call.Do()
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	resp := result.(*gmail.ListMessagesResponse)
	out := &ListMessagesResult{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		out.Messages = append(out.Messages, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return out, nil
}

type RawMessage struct {
	ID           string
	ThreadID     string
	HistoryID    uint64
	InternalDate int64
	LabelIDs     []string
	RawBase64URL string
}

func (c *Client) GetRawMessage(ctx context.Context, svc *gmail.Service, id string) (*RawMessage, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	m := result.(*gmail.Message)
	return &RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		HistoryID:    m.HistoryId,
		InternalDate: m.InternalDate,
		LabelIDs:     m.LabelIds,
		RawBase64URL: m.Raw,
	}, nil
}

type HistoryMessageAdded struct {
	MessageID string
}

type ListHistoryResult struct {
	MessagesAdded []HistoryMessageAdded
	NextPageToken string
	HistoryID     uint64
}

func (c *Client) ListHistory(ctx context.Context, svc *gmail.Service, startHistoryID uint64, pageToken string) (*ListHistoryResult, error) {
	result, err := c.cb.Execute(func() (any, error) {
		call := svc.Users.History.List("me").StartHistoryId(startHistoryID).HistoryTypes("messageAdded").Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		return call.Do()
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, &HistoryExpiredError{}
		}
		return nil, classifyErr(err)
	}

	resp := result.(*gmail.ListHistoryResponse)
	out := &ListHistoryResult{NextPageToken: resp.NextPageToken, HistoryID: resp.HistoryId}
	for _, h := range resp.History {
		for _, ma := range h.MessagesAdded {
			if ma.Message != nil {
				out.MessagesAdded = append(out.MessagesAdded, HistoryMessageAdded{MessageID: ma.Message.Id})
			}
		}
	}
	return out, nil
}

// SendMessage submits a pre-built RFC 822 message via messages.send.
// rawRFC822 must already be base64url-encoded per the Gmail API's raw
// message format.
func (c *Client) SendMessage(ctx context.Context, svc *gmail.Service, rawRFC822Base64URL string, threadID string) (string, error) {
	result, err := c.cb.Execute(func() (any, error) {
		msg := &gmail.Message{Raw: rawRFC822Base64URL}
		if threadID != "" {
			msg.ThreadId = threadID
		}
		return svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	})
	if err != nil {
		return "", classifyErr(err)
	}
	return result.(*gmail.Message).Id, nil
}

func classifyErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &GmailAPIError{Status: apiErr.Code, Message: apiErr.Message}
	}
	return &GmailAPIError{Status: 0, Message: err.Error()}
}

// TokenRefresher binds a Config so it satisfies oauthcache.Refresher's
// two-argument interface without threading OAuth client config through
// every cache call.
type TokenRefresher struct {
	Cfg Config
}

func (r *TokenRefresher) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	oauthCfg := OAuth2Config(r.Cfg)
	src := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("gmail: refresh token: %w", err)
	}
	return tok, nil
}

// Package graph is the Microsoft Graph mail transport: per-mailbox
// client-credential auth, sendMail with Sent Items verification, and
// inbox fetching with header extraction.
package graph

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/eventops/outreach/internal/pkg/httpretry"
)

const (
	defaultAPIBase   = "https://graph.microsoft.com/v1.0"
	defaultLoginBase = "https://login.microsoftonline.com"
	graphScope       = "https://graph.microsoft.com/.default"
)

// SenderCredentials is one (app registration, mailbox) pairing. The
// configuration enumerates several of these plus a default fallback.
type SenderCredentials struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	SenderEmail  string
}

// Config assembles a Client. BaseURL and LoginBase are overridable for
// tests.
type Config struct {
	Senders   []SenderCredentials
	Default   *SenderCredentials
	BaseURL   string
	LoginBase string
	Timeout   time.Duration
}

type senderAuth struct {
	creds  SenderCredentials
	tokens oauth2.TokenSource
}

// Client talks to the Graph API on behalf of the configured mailboxes.
type Client struct {
	baseURL    string
	senders    map[string]*senderAuth
	fallback   *senderAuth
	httpClient httpretry.HTTPDoer

	// Sent Items verification knobs; tests shrink the delay.
	verifyAttempts int
	verifyDelay    time.Duration
}

// NewClient builds a Client from credential triples. Each sender gets a
// cached token source; tokens are refreshed transparently.
func NewClient(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAPIBase
	}
	login := cfg.LoginBase
	if login == "" {
		login = defaultLoginBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:        strings.TrimRight(base, "/"),
		senders:        make(map[string]*senderAuth),
		httpClient:     httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2),
		verifyAttempts: 3,
		verifyDelay:    2 * time.Second,
	}

	for _, creds := range cfg.Senders {
		auth, err := newSenderAuth(creds, login)
		if err != nil {
			return nil, err
		}
		c.senders[strings.ToLower(creds.SenderEmail)] = auth
	}
	if cfg.Default != nil {
		auth, err := newSenderAuth(*cfg.Default, login)
		if err != nil {
			return nil, err
		}
		c.fallback = auth
	}
	if len(c.senders) == 0 && c.fallback == nil {
		return nil, fmt.Errorf("graph: no sender credentials configured")
	}
	return c, nil
}

func newSenderAuth(creds SenderCredentials, loginBase string) (*senderAuth, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.TenantID == "" {
		return nil, fmt.Errorf("graph: incomplete credentials for sender %s", creds.SenderEmail)
	}
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(loginBase, "/"), creds.TenantID),
		Scopes:       []string{graphScope},
	}
	return &senderAuth{creds: creds, tokens: cc.TokenSource(oauth2.NoContext)}, nil
}

// authFor resolves the credential set for a sender mailbox, falling back
// to the default registration.
func (c *Client) authFor(sender string) (*senderAuth, error) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return nil, fmt.Errorf("graph: sender email is required")
	}
	if auth, ok := c.senders[sender]; ok {
		return auth, nil
	}
	if c.fallback != nil &&
		(c.fallback.creds.SenderEmail == "" || strings.EqualFold(c.fallback.creds.SenderEmail, sender)) {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("graph: no credentials configured for sender %s", sender)
}

func (c *Client) bearerFor(sender string) (string, error) {
	auth, err := c.authFor(sender)
	if err != nil {
		return "", err
	}
	tok, err := auth.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("graph: token for %s: %w", sender, err)
	}
	return "Bearer " + tok.AccessToken, nil
}

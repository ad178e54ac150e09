// Package credentials loads the cached OAuth tokens of Search Console
// accounts and keeps them refreshed on disk.
package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/sells-group/sa-harvest/pkg/searchconsole"
)

// Config holds the OAuth client and the token cache location.
type Config struct {
	ClientID     string
	ClientSecret string
	Dir          string
	// TokenURL overrides the Google token endpoint.
	TokenURL string
}

// Store hands out token sources per account. Token files live at
// {Dir}/{account}.json and are rewritten whenever a token is refreshed.
type Store struct {
	dir    string
	oauth  *oauth2.Config
	mu     sync.Mutex
	cached map[string]oauth2.TokenSource
}

// New creates a Store.
func New(cfg Config) *Store {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &Store{
		dir: cfg.Dir,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{searchconsole.Scope},
		},
		cached: make(map[string]oauth2.TokenSource),
	}
}

// Path returns the token file of account.
func (s *Store) Path(account string) string {
	return filepath.Join(s.dir, account+".json")
}

// Load reads the cached token of account.
func (s *Store) Load(account string) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Errorf("credentials: no cached token for account %q at %s", account, s.Path(account))
		}
		return nil, eris.Wrapf(err, "credentials: read token %s", account)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, eris.Wrapf(err, "credentials: decode token %s", account)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, eris.Errorf("credentials: token for account %q is empty", account)
	}
	return &tok, nil
}

// Save writes tok as the cached token of account.
func (s *Store) Save(account string, tok *oauth2.Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return eris.Wrapf(err, "credentials: create dir %s", s.dir)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "credentials: encode token %s", account)
	}
	tmp := s.Path(account) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return eris.Wrapf(err, "credentials: write token %s", account)
	}
	return eris.Wrapf(os.Rename(tmp, s.Path(account)), "credentials: replace token %s", account)
}

// TokenSource returns the shared token source of account. Workers of the same
// account reuse it so a token is refreshed once.
func (s *Store) TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.cached[account]; ok {
		return ts, nil
	}
	tok, err := s.Load(account)
	if err != nil {
		return nil, err
	}
	ts := &persisting{
		store:   s,
		account: account,
		base:    s.oauth.TokenSource(context.WithoutCancel(ctx), tok),
		last:    tok.AccessToken,
	}
	reuse := oauth2.ReuseTokenSource(tok, ts)
	s.cached[account] = reuse
	return reuse, nil
}

// HTTPClient returns an authorized client for account.
func (s *Store) HTTPClient(ctx context.Context, account string) (*http.Client, error) {
	ts, err := s.TokenSource(ctx, account)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// persisting writes refreshed tokens back to the cache file.
type persisting struct {
	store   *Store
	account string
	base    oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persisting) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, eris.Wrapf(err, "credentials: refresh token %s", p.account)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.Save(p.account, tok); err != nil {
			zap.L().Warn("credentials: persist refreshed token", zap.String("account", p.account), zap.Error(err))
		}
	}
	return tok, nil
}

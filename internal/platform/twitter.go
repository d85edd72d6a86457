package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"golang.org/x/oauth2"
)

var twitterScopes = []string{"tweet.read", "users.read", "follows.read", "like.read", "offline.access"}

// Twitter checks X/Twitter follow, like and retweet claims through API v2
type Twitter struct {
	api      apiClient
	oauth    *oauth2.Config
	bearer   string
	maxPages int
	logger   *slog.Logger
}

// NewTwitter creates the X/Twitter adapter
func NewTwitter(cfg *config.TwitterConfig, client *http.Client, logger *slog.Logger) *Twitter {
	return &Twitter{
		api: apiClient{platform: domain.PlatformTwitter, http: client, base: cfg.APIBase},
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       twitterScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		bearer:   cfg.BearerToken,
		maxPages: cfg.MaxPages,
		logger:   logger,
	}
}

// Platform implements Adapter.
func (t *Twitter) Platform() domain.Platform { return domain.PlatformTwitter }

// AuthCodeURL implements Adapter. X requires PKCE with S256.
func (t *Twitter) AuthCodeURL(state, verifier string) (string, error) {
	if t.oauth.ClientID == "" {
		return "", permanent(domain.PlatformTwitter, 0, errors.New("twitter oauth client is not configured"))
	}
	return t.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ExchangeCode implements Adapter.
func (t *Twitter) ExchangeCode(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if req.Code == "" {
		return nil, domain.Invalid("code", "required")
	}
	cfg := *t.oauth
	if req.RedirectURI != "" {
		cfg.RedirectURL = req.RedirectURI
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.api.http)
	tok, err := cfg.Exchange(ctx, req.Code, oauth2.VerifierOption(req.Verifier))
	if err != nil {
		return nil, exchangeError(domain.PlatformTwitter, err)
	}

	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	status, body, err := t.api.get(ctx, "/2/users/me", "Bearer "+tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(domain.PlatformTwitter, status, body)
	}
	if err := json.Unmarshal(body, &me); err != nil || me.Data.ID == "" {
		return nil, permanent(domain.PlatformTwitter, status, fmt.Errorf("decoding user: %v", err))
	}

	return &ExchangeResult{
		Tokens:     tokenSet(tok),
		ExternalID: me.Data.ID,
		Username:   me.Data.Username,
	}, nil
}

// CheckClaim implements Adapter.
func (t *Twitter) CheckClaim(ctx context.Context, req ClaimRequest) (CheckResult, error) {
	auth := t.authorization(req.Identity)
	if auth == "" {
		return CheckResult{}, permanent(domain.PlatformTwitter, 0, errors.New("no user token or app bearer token"))
	}
	subject := req.Identity.ExternalID

	switch req.Action {
	case "follow":
		handle, ok := TwitterHandle(req.Target)
		if !ok {
			return CheckResult{}, permanent(domain.PlatformTwitter, 0, fmt.Errorf("bad follow target %q", req.Target))
		}
		targetID, err := t.lookupUser(ctx, auth, handle)
		if err != nil {
			return CheckResult{}, err
		}
		return t.scan(ctx, auth, "/2/users/"+url.PathEscape(subject)+"/following", 1000, targetID,
			map[string]interface{}{"target_id": targetID, "handle": handle})

	case "like":
		tweetID, ok := TweetID(req.Target)
		if !ok {
			return CheckResult{}, permanent(domain.PlatformTwitter, 0, fmt.Errorf("bad tweet target %q", req.Target))
		}
		return t.scan(ctx, auth, "/2/users/"+url.PathEscape(subject)+"/liked_tweets", 100, tweetID,
			map[string]interface{}{"tweet_id": tweetID})

	case "retweet":
		tweetID, ok := TweetID(req.Target)
		if !ok {
			return CheckResult{}, permanent(domain.PlatformTwitter, 0, fmt.Errorf("bad tweet target %q", req.Target))
		}
		return t.scan(ctx, auth, "/2/tweets/"+url.PathEscape(tweetID)+"/retweeted_by", 100, subject,
			map[string]interface{}{"tweet_id": tweetID})
	}
	return CheckResult{}, permanent(domain.PlatformTwitter, 0, fmt.Errorf("unsupported action %q", req.Action))
}

func (t *Twitter) authorization(identity domain.LinkedIdentity) string {
	if identity.AccessToken != "" {
		return "Bearer " + identity.AccessToken
	}
	if t.bearer != "" {
		return "Bearer " + t.bearer
	}
	return ""
}

type twitterPage struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (t *Twitter) lookupUser(ctx context.Context, auth, handle string) (string, error) {
	status, body, err := t.api.get(ctx, "/2/users/by/username/"+url.PathEscape(handle), auth)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", statusError(domain.PlatformTwitter, status, body)
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", transient(domain.PlatformTwitter, status, fmt.Errorf("decoding user lookup: %w", err))
	}
	if out.Data.ID == "" {
		// X answers 200 with an errors array for unknown handles.
		return "", permanent(domain.PlatformTwitter, status, fmt.Errorf("unknown handle @%s", handle))
	}
	return out.Data.ID, nil
}

// scan pages through a list endpoint looking for wantID.
func (t *Twitter) scan(ctx context.Context, auth, path string, pageSize int, wantID string, evidence map[string]interface{}) (CheckResult, error) {
	next := ""
	for page := 0; page < t.maxPages; page++ {
		q := url.Values{"max_results": {fmt.Sprint(pageSize)}}
		if next != "" {
			q.Set("pagination_token", next)
		}
		status, body, err := t.api.get(ctx, path+"?"+q.Encode(), auth)
		if err != nil {
			return CheckResult{}, err
		}
		switch status {
		case http.StatusOK:
		case http.StatusForbidden:
			// The app's access tier cannot read this list.
			t.logger.Warn("twitter list not readable", "path", path)
			return manualFallback("twitter_forbidden"), nil
		case http.StatusNotFound:
			return notFound(domain.MethodTwitterAPI, evidence), nil
		default:
			return CheckResult{}, statusError(domain.PlatformTwitter, status, body)
		}

		var p twitterPage
		if err := json.Unmarshal(body, &p); err != nil {
			return CheckResult{}, transient(domain.PlatformTwitter, status, fmt.Errorf("decoding page: %w", err))
		}
		for _, item := range p.Data {
			if item.ID == wantID {
				evidence["pages"] = page + 1
				return satisfied(domain.MethodTwitterAPI, evidence), nil
			}
		}
		if p.Meta.NextToken == "" {
			evidence["pages"] = page + 1
			return notFound(domain.MethodTwitterAPI, evidence), nil
		}
		next = p.Meta.NextToken
	}
	// The list is longer than we are willing to read.
	return manualFallback("twitter_list_truncated"), nil
}

func tokenSet(tok *oauth2.Token) domain.TokenSet {
	ts := domain.TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		ts.Expiry = &exp
	}
	return ts
}

// exchangeError classifies failures of the token endpoint.
func exchangeError(p domain.Platform, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return statusError(p, re.Response.StatusCode, re.Body)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(p, 0, err)
	}
	return transient(p, 0, fmt.Errorf("exchanging code: %w", err))
}

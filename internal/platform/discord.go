package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/markbates/goth/providers/discord"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"golang.org/x/oauth2"
)

// discordUnknownGuild is the JSON error code Discord returns with a 404 when
// the guild itself does not exist, as opposed to the member.
const discordUnknownGuild = 10004

// Discord checks guild membership through the bot API, falling back to the
// member's own guild list when no bot token is configured.
type Discord struct {
	api      apiClient
	provider *discord.Provider
	oauth    *oauth2.Config
	botToken string
	logger   *slog.Logger
}

// NewDiscord creates the Discord adapter
func NewDiscord(cfg *config.DiscordConfig, client *http.Client, logger *slog.Logger) *Discord {
	provider := discord.New(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL,
		discord.ScopeIdentify, discord.ScopeGuilds)
	provider.HTTPClient = client
	return &Discord{
		api:      apiClient{platform: domain.PlatformDiscord, http: client, base: cfg.APIBase},
		provider: provider,
		// The token exchange goes through our own config so it runs on the
		// shared client under the caller's deadline.
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{discord.ScopeIdentify, discord.ScopeGuilds},
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimRight(cfg.APIBase, "/") + "/oauth2/authorize",
				TokenURL:  strings.TrimRight(cfg.APIBase, "/") + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		botToken: cfg.BotToken,
		logger:   logger,
	}
}

// Platform implements Adapter.
func (d *Discord) Platform() domain.Platform { return domain.PlatformDiscord }

// AuthCodeURL implements Adapter. Discord does not take a PKCE challenge, the
// state binding alone protects the callback.
func (d *Discord) AuthCodeURL(state, _ string) (string, error) {
	if d.provider.ClientKey == "" {
		return "", permanent(domain.PlatformDiscord, 0, errors.New("discord oauth client is not configured"))
	}
	sess, err := d.provider.BeginAuth(state)
	if err != nil {
		return "", permanent(domain.PlatformDiscord, 0, err)
	}
	return sess.GetAuthURL()
}

// ExchangeCode implements Adapter.
func (d *Discord) ExchangeCode(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if req.Code == "" {
		return nil, domain.Invalid("code", "required")
	}
	if err := ctx.Err(); err != nil {
		return nil, transient(domain.PlatformDiscord, 0, err)
	}

	cfg := *d.oauth
	if req.RedirectURI != "" {
		cfg.RedirectURL = req.RedirectURI
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.api.http)
	tok, err := cfg.Exchange(ctx, req.Code)
	if err != nil {
		return nil, exchangeError(domain.PlatformDiscord, err)
	}

	status, body, err := d.api.get(ctx, "/users/@me", "Bearer "+tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(domain.PlatformDiscord, status, body)
	}
	var me struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	}
	if err := json.Unmarshal(body, &me); err != nil || me.ID == "" {
		return nil, permanent(domain.PlatformDiscord, status, fmt.Errorf("decoding user: %v", err))
	}
	username := me.Username
	if username == "" {
		username = me.GlobalName
	}
	return &ExchangeResult{Tokens: tokenSet(tok), ExternalID: me.ID, Username: username}, nil
}

// CheckClaim implements Adapter. Only "join" is meaningful on Discord.
func (d *Discord) CheckClaim(ctx context.Context, req ClaimRequest) (CheckResult, error) {
	if req.Action != "join" {
		return CheckResult{}, permanent(domain.PlatformDiscord, 0, fmt.Errorf("unsupported action %q", req.Action))
	}
	guildID, invite, ok := DiscordGuild(req.Target)
	if !ok {
		return CheckResult{}, permanent(domain.PlatformDiscord, 0, fmt.Errorf("bad guild target %q", req.Target))
	}

	if d.botToken == "" {
		if req.Identity.AccessToken == "" {
			return manualFallback("discord_no_credentials"), nil
		}
		return d.checkUserGuilds(ctx, req.Identity.AccessToken, guildID, invite)
	}

	if guildID == "" {
		id, err := d.resolveInvite(ctx, invite, "Bot "+d.botToken)
		if err != nil {
			return CheckResult{}, err
		}
		guildID = id
	}

	evidence := map[string]interface{}{"guild_id": guildID}
	path := "/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(req.Identity.ExternalID)
	status, body, err := d.api.get(ctx, path, "Bot "+d.botToken)
	if err != nil {
		return CheckResult{}, err
	}
	switch status {
	case http.StatusOK:
		return satisfied(domain.MethodDiscordBot, evidence), nil
	case http.StatusNotFound:
		if discordCode(body) == discordUnknownGuild {
			return CheckResult{}, permanent(domain.PlatformDiscord, status, fmt.Errorf("unknown guild %s", guildID))
		}
		return notFound(domain.MethodDiscordBot, evidence), nil
	case http.StatusForbidden:
		// Bot is not in the guild or lacks the members intent.
		d.logger.Warn("discord bot cannot read guild members", "guild_id", guildID)
		return manualFallback("discord_bot_forbidden"), nil
	}
	return CheckResult{}, statusError(domain.PlatformDiscord, status, body)
}

// resolveInvite maps an invite code to its guild. Invites are public, so
// authorization may be empty.
func (d *Discord) resolveInvite(ctx context.Context, code, authorization string) (string, error) {
	status, body, err := d.api.get(ctx, "/invites/"+url.PathEscape(code), authorization)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", permanent(domain.PlatformDiscord, status, fmt.Errorf("unknown invite %q", code))
	}
	if status != http.StatusOK {
		return "", statusError(domain.PlatformDiscord, status, body)
	}
	var inv struct {
		Guild struct {
			ID string `json:"id"`
		} `json:"guild"`
	}
	if err := json.Unmarshal(body, &inv); err != nil || inv.Guild.ID == "" {
		return "", permanent(domain.PlatformDiscord, status, fmt.Errorf("invite %q has no guild", code))
	}
	return inv.Guild.ID, nil
}

// checkUserGuilds reads the guilds visible to the member's own token.
func (d *Discord) checkUserGuilds(ctx context.Context, accessToken, guildID, invite string) (CheckResult, error) {
	if guildID == "" {
		id, err := d.resolveInvite(ctx, invite, "")
		if err != nil {
			return CheckResult{}, err
		}
		guildID = id
	}
	status, body, err := d.api.get(ctx, "/users/@me/guilds", "Bearer "+accessToken)
	if err != nil {
		return CheckResult{}, err
	}
	if status == http.StatusUnauthorized {
		return CheckResult{}, permanent(domain.PlatformDiscord, status, errors.New("member token rejected"))
	}
	if status != http.StatusOK {
		return CheckResult{}, statusError(domain.PlatformDiscord, status, body)
	}
	var guilds []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &guilds); err != nil {
		return CheckResult{}, transient(domain.PlatformDiscord, status, fmt.Errorf("decoding guilds: %w", err))
	}
	evidence := map[string]interface{}{"guild_id": guildID, "source": "user_guilds"}
	for _, g := range guilds {
		if g.ID == guildID {
			return satisfied(domain.MethodDiscordBot, evidence), nil
		}
	}
	return notFound(domain.MethodDiscordBot, evidence), nil
}

func discordCode(body []byte) int {
	var e struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Code
}

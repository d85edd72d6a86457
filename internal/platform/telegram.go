package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
)

const telegramLoginURL = "https://oauth.telegram.org/auth"

// Telegram links accounts through the Login Widget and checks chat
// membership with the Bot API.
type Telegram struct {
	api         apiClient
	botToken    string
	redirectURL string
	maxAge      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewTelegram creates the Telegram adapter
func NewTelegram(cfg *config.TelegramConfig, client *http.Client, logger *slog.Logger) *Telegram {
	return &Telegram{
		api:         apiClient{platform: domain.PlatformTelegram, http: client, base: cfg.APIBase},
		botToken:    cfg.BotToken,
		redirectURL: cfg.RedirectURL,
		maxAge:      cfg.LoginMaxAge,
		logger:      logger,
		now:         time.Now,
	}
}

// Platform implements Adapter.
func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

// AuthCodeURL implements Adapter. Telegram hands the signed profile to the
// page in a #tgAuthResult fragment rather than the query, so the page at
// return_to must post those fields back to the callback along with state.
func (t *Telegram) AuthCodeURL(state, _ string) (string, error) {
	botID, _, ok := strings.Cut(t.botToken, ":")
	if !ok || t.redirectURL == "" {
		return "", permanent(domain.PlatformTelegram, 0, errors.New("telegram bot is not configured"))
	}
	ret, err := url.Parse(t.redirectURL)
	if err != nil {
		return "", permanent(domain.PlatformTelegram, 0, fmt.Errorf("parsing redirect url: %w", err))
	}
	q := ret.Query()
	q.Set("state", state)
	ret.RawQuery = q.Encode()

	v := url.Values{
		"bot_id":         {botID},
		"origin":         {ret.Scheme + "://" + ret.Host},
		"return_to":      {ret.String()},
		"request_access": {"write"},
	}
	return telegramLoginURL + "?" + v.Encode(), nil
}

// ExchangeCode implements Adapter. Telegram issues no code; the callback
// parameters are the profile, signed with a key derived from the bot token.
func (t *Telegram) ExchangeCode(_ context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if err := t.verifyLogin(req.Params); err != nil {
		return nil, err
	}
	return &ExchangeResult{
		ExternalID: req.Params.Get("id"),
		Username:   req.Params.Get("username"),
	}, nil
}

// verifyLogin checks the widget hash and the auth_date freshness.
func (t *Telegram) verifyLogin(params url.Values) error {
	if t.botToken == "" {
		return permanent(domain.PlatformTelegram, 0, errors.New("telegram bot is not configured"))
	}
	got := params.Get("hash")
	if got == "" || params.Get("id") == "" {
		return domain.Invalid("hash", "missing login widget signature")
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "hash" || k == "state" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + params.Get(k)
	}

	secret := sha256.Sum256([]byte(t.botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(strings.Join(lines, "\n")))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(got))) {
		return domain.ErrInvalidSignature
	}

	authDate, err := strconv.ParseInt(params.Get("auth_date"), 10, 64)
	if err != nil {
		return domain.Invalid("auth_date", "not a unix timestamp")
	}
	if t.maxAge > 0 && t.now().Sub(time.Unix(authDate, 0)) > t.maxAge {
		return domain.ErrInvalidOrExpiredState
	}
	return nil
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// CheckClaim implements Adapter. Only "join" is meaningful on Telegram.
func (t *Telegram) CheckClaim(ctx context.Context, req ClaimRequest) (CheckResult, error) {
	if req.Action != "join" {
		return CheckResult{}, permanent(domain.PlatformTelegram, 0, fmt.Errorf("unsupported action %q", req.Action))
	}
	if t.botToken == "" {
		return manualFallback("telegram_no_bot"), nil
	}
	chatID, ok := TelegramChat(req.Target)
	if !ok {
		return CheckResult{}, permanent(domain.PlatformTelegram, 0, fmt.Errorf("bad chat target %q", req.Target))
	}

	q := url.Values{"chat_id": {chatID}, "user_id": {req.Identity.ExternalID}}
	status, body, err := t.api.get(ctx, "/bot"+t.botToken+"/getChatMember?"+q.Encode(), "")
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			if pe.RetryAfter == 0 {
				pe.RetryAfter = telegramRetryAfter(body)
			}
			// url.Error carries the request URL, which embeds the bot token.
			var ue *url.Error
			if errors.As(pe.Err, &ue) {
				pe.Err = fmt.Errorf("getChatMember: %w", ue.Err)
			}
		}
		return CheckResult{}, err
	}

	var resp telegramResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CheckResult{}, statusError(domain.PlatformTelegram, status, body)
	}
	evidence := map[string]interface{}{"chat_id": chatID}

	if resp.OK {
		evidence["status"] = resp.Result.Status
		switch resp.Result.Status {
		case "creator", "administrator", "member":
			return satisfied(domain.MethodTelegramBot, evidence), nil
		case "restricted":
			if resp.Result.IsMember {
				return satisfied(domain.MethodTelegramBot, evidence), nil
			}
			return notFound(domain.MethodTelegramBot, evidence), nil
		case "left", "kicked":
			return notFound(domain.MethodTelegramBot, evidence), nil
		}
		return manualFallback("telegram_unknown_status"), nil
	}

	desc := strings.ToLower(resp.Description)
	switch {
	case status == http.StatusBadRequest && strings.Contains(desc, "user not found"),
		status == http.StatusBadRequest && strings.Contains(desc, "participant_id_invalid"):
		return notFound(domain.MethodTelegramBot, evidence), nil
	case status == http.StatusBadRequest && strings.Contains(desc, "chat not found"):
		return CheckResult{}, permanent(domain.PlatformTelegram, status, fmt.Errorf("chat %s not found", chatID))
	case status == http.StatusForbidden:
		// The bot is not a member or administrator of the chat.
		t.logger.Warn("telegram bot cannot read chat members", "chat_id", chatID)
		return manualFallback("telegram_bot_forbidden"), nil
	}
	return CheckResult{}, statusError(domain.PlatformTelegram, status, []byte(resp.Description))
}

func telegramRetryAfter(body []byte) time.Duration {
	var resp telegramResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0
	}
	return time.Duration(resp.Parameters.RetryAfter) * time.Second
}

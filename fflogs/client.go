package fflogs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jellydator/ttlcache/v3"
	pkgerrors "github.com/pkg/errors"
)

const (
	defaultTokenURL = "https://www.fflogs.com/oauth/token"
	defaultAPIURL   = "https://www.fflogs.com/api/v2/client"

	defaultMaxAttempts = 4
	backoffBase        = 250 * time.Millisecond

	// Reuse the cached token while more than this remains before expiry.
	tokenSkew = 30 * time.Second
)

// Config carries client credentials and request behavior knobs. Zero
// values fall back to production endpoints and defaults.
type Config struct {
	ClientID     string
	ClientSecret string

	TokenURL string
	APIURL   string

	// Locale is sent as Accept-Language when set.
	Locale string

	// Timeout bounds a single request attempt. Zero disables it.
	Timeout time.Duration

	// MaxAttempts bounds retries of a single logical request.
	MaxAttempts int
}

// Client is an authenticated GraphQL client with retry/backoff. It owns
// no state between calls beyond the cached bearer token and an
// in-process memo of report fight lists.
type Client struct {
	cfg   Config
	resty *resty.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	fightsMemo *ttlcache.Cache[string, []Fight]
}

func NewClient(cfg Config) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	memo := ttlcache.New[string, []Fight](
		ttlcache.WithTTL[string, []Fight](1 * time.Hour),
	)
	go memo.Start()

	return &Client{
		cfg:        cfg,
		resty:      resty.New(),
		fightsMemo: memo,
	}
}

// Close stops the background expiry goroutine of the fights memo.
func (c *Client) Close() {
	c.fightsMemo.Stop()
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.RLock()
	tok := c.token
	exp := c.expiresAt
	c.mu.RUnlock()

	if tok != "" && time.Now().Add(tokenSkew).Before(exp) {
		return nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Add(tokenSkew).Before(c.expiresAt) {
		return nil
	}

	var tr tokenResp
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tr).
		Post(c.cfg.TokenURL)
	if err != nil {
		return pkgerrors.Wrap(err, "fflogs: token exchange")
	}
	if resp.IsError() {
		return &AuthError{Status: resp.Status(), Body: string(resp.Body())}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return &AuthError{Status: resp.Status(), Body: "incomplete token response"}
	}

	c.token = tr.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return nil
}

type gqlReq struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Do runs one logical GraphQL request with the shared retry envelope:
// retryable statuses and transport failures back off exponentially
// (250ms * 2^(attempt-1)) up to MaxAttempts, everything else fails
// immediately. This envelope backs every upstream call in the pipeline.
func (c *Client) Do(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := c.doOnce(ctx, query, vars, out)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		lastErr = err
		if attempt >= c.cfg.MaxAttempts {
			return lastErr
		}

		delay := backoffBase * (1 << (attempt - 1))
		slog.Warn("fflogs request failed, backing off",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	rctx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	send := func() (*resty.Response, error) {
		c.mu.RLock()
		tok := c.token
		c.mu.RUnlock()

		var env gqlEnvelope
		req := c.resty.R().
			SetContext(rctx).
			SetAuthToken(tok).
			SetHeader("Content-Type", "application/json").
			SetBody(gqlReq{Query: query, Variables: vars}).
			SetResult(&env)
		if c.cfg.Locale != "" {
			req.SetHeader("Accept-Language", c.cfg.Locale)
		}
		return req.Post(c.cfg.APIURL)
	}

	resp, err := send()
	if err == nil && resp.StatusCode() == 401 {
		// Expired token mid-flight; refresh and redo once.
		if rerr := c.refreshToken(ctx); rerr != nil {
			return rerr
		}
		resp, err = send()
	}
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Timeout: c.cfg.Timeout.String(), Err: err}
		}
		return pkgerrors.Wrap(err, "fflogs: request")
	}

	if resp.IsError() {
		return &HTTPError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	env, ok := resp.Result().(*gqlEnvelope)
	if !ok || env == nil {
		return ErrProtocol
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return &GraphQLError{Messages: msgs}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrProtocol
	}
	if out == nil {
		return nil
	}
	return pkgerrors.Wrap(jsonIter.Unmarshal(env.Data, out), "fflogs: decode data")
}

// queryVariant is one rung of an ordered query ladder. When the request
// fails and downgrade recognizes the error, the next rung is tried
// silently instead of surfacing the failure.
type queryVariant struct {
	name      string
	query     string
	downgrade func(error) bool
}

func (c *Client) doVariants(ctx context.Context, variants []queryVariant, vars map[string]interface{}, out interface{}) error {
	var err error
	for i, v := range variants {
		err = c.Do(ctx, v.query, vars, out)
		if err == nil {
			return nil
		}
		if i < len(variants)-1 && v.downgrade != nil && v.downgrade(err) {
			slog.Warn("query variant rejected, downgrading",
				slog.String("variant", v.name), "error", err)
			continue
		}
		return err
	}
	return err
}

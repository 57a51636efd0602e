package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	OBJECTS_PATH        = "/objects"
	HEAVY_ROTATION_PATH = "/heavy-rotation"
	USER_AGENT          = "catalogsync/1.0"

	DEFAULT_BATCH_SIZE   = 50
	MAX_PARALLEL_BATCHES = 4
	TOKEN_LIFETIME       = time.Hour
	TOKEN_REFRESH_SKEW   = time.Minute
)

type HTTPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	BatchSize int
}

// HTTPClient talks to the catalog's JSON API.
type HTTPClient struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	batchSize int
	tokens    *tokenSource
	heavy     singleflight.Group
	log       logger.Logger
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result"`
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DEFAULT_BATCH_SIZE
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		batchSize: batchSize,
		tokens:    newTokenSource(cfg.ClientID, cfg.ClientSecret),
		log:       logger.New("catalogClient"),
	}
}

func (c *HTTPClient) FetchByKeys(ctx context.Context, keys []string, done Done) *Request {
	request, requestCtx := NewRequest(ctx)
	go func() {
		bundles, err := c.fetchKeys(requestCtx, keys)
		request.Complete(done, bundles, err)
	}()
	return request
}

// FetchHeavyRotation coalesces concurrent calls into one HTTP request.
func (c *HTTPClient) FetchHeavyRotation(ctx context.Context, done Done) *Request {
	request, requestCtx := NewRequest(ctx)
	go func() {
		result, err, _ := c.heavy.Do("heavy-rotation", func() (any, error) {
			return c.fetchHeavyRotation(context.WithoutCancel(requestCtx))
		})
		if err != nil {
			request.Complete(done, nil, err)
			return
		}
		request.Complete(done, maps.Clone(result.(map[string]Bundle)), nil)
	}()
	return request
}

func (c *HTTPClient) Cancel(request *Request) {
	request.Cancel()
}

func (c *HTTPClient) fetchKeys(ctx context.Context, keys []string) (map[string]Bundle, error) {
	log := c.log.Function("fetchKeys")

	if len(keys) == 0 {
		return map[string]Bundle{}, nil
	}

	var (
		mu      sync.Mutex
		bundles = make(map[string]Bundle, len(keys))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(MAX_PARALLEL_BATCHES)

	for start := 0; start < len(keys); start += c.batchSize {
		batch := keys[start:min(start+c.batchSize, len(keys))]
		group.Go(func() error {
			found, err := c.postObjects(groupCtx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			maps.Copy(bundles, found)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, log.Err("catalog request failed", err, "keys", len(keys))
	}

	log.Info("Fetched catalog objects", "requested", len(keys), "returned", len(bundles))
	return bundles, nil
}

func (c *HTTPClient) postObjects(ctx context.Context, keys []string) (map[string]Bundle, error) {
	body, err := json.Marshal(map[string][]string{"keys": keys})
	if err != nil {
		return nil, types.NewTransportError(err, "failed to encode request")
	}

	var result map[string]Bundle
	if err := c.do(ctx, http.MethodPost, OBJECTS_PATH, body, &result); err != nil {
		return nil, err
	}

	bundles := make(map[string]Bundle, len(result))
	for key, bundle := range result {
		if bundle.Key == "" {
			bundle.Key = key
		}
		bundles[key] = bundle
	}
	return bundles, nil
}

// fetchHeavyRotation maps the ranked list onto keys. List position is the
// rank when the bundle does not carry one.
func (c *HTTPClient) fetchHeavyRotation(ctx context.Context) (map[string]Bundle, error) {
	log := c.log.Function("fetchHeavyRotation")

	var result []Bundle
	if err := c.do(ctx, http.MethodGet, HEAVY_ROTATION_PATH, nil, &result); err != nil {
		return nil, log.Err("heavy rotation request failed", err)
	}

	observedAt := utils.Now()
	bundles := make(map[string]Bundle, len(result))
	for i, bundle := range result {
		if bundle.Key == "" {
			continue
		}
		if bundle.Rank == 0 {
			bundle.Rank = i + 1
		}
		if bundle.ObservedAt.IsZero() {
			bundle.ObservedAt = observedAt
		}
		bundles[bundle.Key] = bundle
	}

	log.Info("Fetched heavy rotation", "count", len(bundles))
	return bundles, nil
}

// do performs one API call. Every failure is reported as a TransportError.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.NewTransportError(err, "rate limiter")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.NewTransportError(err, "failed to build %s request", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", USER_AGENT)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return types.NewTransportError(err, "failed to sign catalog token")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransportError(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewTransportError(nil, "%s %s returned status %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return types.NewTransportError(err, "failed to decode %s response", path)
	}
	if env.Status != "ok" {
		return types.NewTransportError(nil, "%s returned status %q: %s", path, env.Status, env.Message)
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return types.NewTransportError(err, "failed to decode %s result", path)
	}

	return nil
}

// tokenSource signs short-lived HS256 bearer tokens with the client secret
// and reuses them until shortly before expiry.
type tokenSource struct {
	clientID string
	secret   []byte
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(clientID, secret string) *tokenSource {
	return &tokenSource{clientID: clientID, secret: []byte(secret), now: time.Now}
}

// Token returns "" when no secret is configured.
func (s *tokenSource) Token() (string, error) {
	if len(s.secret) == 0 {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(TOKEN_REFRESH_SKEW).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(TOKEN_LIFETIME)
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}

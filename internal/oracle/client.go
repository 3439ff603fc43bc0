package oracle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// Request authentication headers.
const (
	HeaderAPIKey    = "PULSE_API_KEY"
	HeaderTimestamp = "PULSE_TIMESTAMP"
	HeaderSignature = "PULSE_SIGNATURE"
)

// Credentials authenticate requests with HMAC-SHA256 over
// timestamp+method+path.
type Credentials struct {
	Key    string
	Secret string
}

// Headers returns the auth headers for a request made at unixTS.
func (c Credentials) Headers(method, path string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    c.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(c.Secret, ts+method+path),
	}
}

// Sign computes base64(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (c Credentials) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("Credentials{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}

// Wire is the JSON body an oracle returns for one market.
type Wire struct {
	MarketID            string           `json:"marketId"`
	Outcome             domain.Outcome   `json:"outcome"`
	ResolvedPulse       domain.Pulse     `json:"resolvedPulse"`
	OracleID            string           `json:"oracleId,omitempty"`
	DisputeWindowPulses *uint64          `json:"disputeWindowPulses,omitempty"`
	Evidence            *domain.Evidence `json:"evidence,omitempty"`
	Signature           string           `json:"signature,omitempty"`
}

// ToWire renders res for serving, with an optional attestation signature.
func ToWire(res domain.MarketResolution, signature string) Wire {
	r := res.Clone()
	return Wire{
		MarketID:            r.MarketID,
		Outcome:             r.Outcome,
		ResolvedPulse:       r.ResolvedPulse,
		OracleID:            r.Oracle.OracleID,
		DisputeWindowPulses: r.Oracle.DisputeWindowPulses,
		Evidence:            r.Evidence,
		Signature:           signature,
	}
}

// Config configures an HTTP oracle client.
type Config struct {
	// BaseURL is the oracle API root, e.g. "https://oracle.example".
	BaseURL string
	// Provider is recorded on every resolution.
	Provider string
	// Signer, when set, is the only address whose attestations are accepted.
	Signer      *common.Address
	Credentials *Credentials
	Timeout     time.Duration
}

// Client is a domain.ResolutionSource backed by an HTTP oracle.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates an oracle client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "http"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// Fetch implements domain.ResolutionSource. An undecided market is reported
// as domain.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, def domain.MarketDef, at domain.Pulse) (domain.MarketResolution, error) {
	params := url.Values{}
	params.Set("pulse", at.String())
	if def.Rules.Oracle.OracleID != "" {
		params.Set("oracleId", def.Rules.Oracle.OracleID)
	}
	path := "/resolutions/" + url.PathEscape(def.ID) + "?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return domain.MarketResolution{}, fmt.Errorf("oracle: fetch %s: %w", def.ID, err)
	}

	var w Wire
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.MarketResolution{}, fmt.Errorf("oracle: decode %s: %v: %w", def.ID, err, domain.ErrDecodeFailure)
	}
	res := domain.MarketResolution{
		MarketID:      w.MarketID,
		Outcome:       w.Outcome,
		ResolvedPulse: w.ResolvedPulse,
		Oracle: domain.OracleRef{
			Provider:            c.cfg.Provider,
			OracleID:            w.OracleID,
			DisputeWindowPulses: w.DisputeWindowPulses,
		},
		Evidence: w.Evidence,
	}
	if res.Oracle.DisputeWindowPulses == nil {
		res.Oracle.DisputeWindowPulses = def.Rules.Oracle.DisputeWindowPulses
	}
	if !res.Outcome.Valid() {
		return domain.MarketResolution{}, fmt.Errorf("oracle: %s: outcome %q: %w", def.ID, w.Outcome, domain.ErrInvalidInput)
	}
	if c.cfg.Signer != nil {
		if err := Verify(res, w.Signature, *c.cfg.Signer); err != nil {
			return domain.MarketResolution{}, fmt.Errorf("oracle: %s: %w", def.ID, err)
		}
	}
	return res, nil
}

// doGet sends a GET request to the oracle API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Credentials != nil {
		for k, v := range c.cfg.Credentials.Headers(http.MethodGet, path, c.now().Unix()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ domain.ResolutionSource = (*Client)(nil)

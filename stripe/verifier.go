/*
Package stripe verifies checkout-session payments against the Stripe API and
authenticates inbound webhook deliveries.

The engine only sees the PaymentVerifier interface; credential selection and
HTTP plumbing stay here. Verification is idempotent: a settled session
reports the same state on every call, which is what the engine's retry-safe
semantics rest on.
*/
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cbon/redemption-engine/engine"
)

// DefaultBaseURL is the production Stripe API endpoint.
const DefaultBaseURL = "https://api.stripe.com"

const defaultTimeout = 15 * time.Second

// Keys holds the secret keys a deployment may provision. Any of them may be
// empty; ForSession falls through to whatever is available.
type Keys struct {
	Live     string // used for cs_live_* sessions
	Test     string // used for all other sessions
	Fallback string // single-key deployments
}

// LiveSessionPrefix marks sessions created against live-mode credentials.
const LiveSessionPrefix = "cs_live_"

// ForSession selects the secret key for a session id. Live-prefixed sessions
// get the live key, everything else the test key, with the generic key as
// fallback either way.
func (k Keys) ForSession(sessionID string) string {
	if strings.HasPrefix(sessionID, LiveSessionPrefix) {
		if k.Live != "" {
			return k.Live
		}
		return k.Fallback
	}
	if k.Test != "" {
		return k.Test
	}
	return k.Fallback
}

// checkoutSession is the subset of the Checkout Session resource we read.
type checkoutSession struct {
	ID              string `json:"id"`
	PaymentStatus   string `json:"payment_status"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Client verifies checkout sessions over the Stripe REST API.
type Client struct {
	BaseURL    string
	Keys       Keys
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient builds a verifier client. baseURL may be empty for production.
func NewClient(baseURL string, keys Keys, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    baseURL,
		Keys:       keys,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Logger:     logger,
	}
}

var _ engine.PaymentVerifier = (*Client)(nil)

// Verify retrieves the checkout session and maps its settled state. An
// unknown or malformed session id reports Success=false rather than an
// error; transport failures are errors so the caller can distinguish
// "Stripe said no" from "could not ask Stripe".
func (c *Client) Verify(ctx context.Context, sessionID string) (engine.PaymentResult, error) {
	key := c.Keys.ForSession(sessionID)
	if key == "" {
		return engine.PaymentResult{}, fmt.Errorf("no secret key configured for session %q", sessionID)
	}

	endpoint := c.BaseURL + "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engine.PaymentResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return engine.PaymentResult{}, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.PaymentResult{}, fmt.Errorf("reading stripe response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.Logger.WarnContext(ctx, "stripe session lookup failed",
			"session_id", sessionID, "status", resp.StatusCode)
		return engine.PaymentResult{Success: false, Err: "invalid session id"}, nil
	}

	var session checkoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return engine.PaymentResult{}, fmt.Errorf("decoding stripe response: %w", err)
	}

	email := session.CustomerDetails.Email
	if email == "" {
		email = "unknown"
	}
	return engine.PaymentResult{
		Success:          true,
		Status:           session.PaymentStatus,
		AmountMinorUnits: session.AmountTotal,
		Currency:         session.Currency,
		PayerEmail:       email,
	}, nil
}

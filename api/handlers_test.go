package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbon/redemption-engine/api"
	"github.com/cbon/redemption-engine/engine"
	memstore "github.com/cbon/redemption-engine/engine/store"
	"github.com/cbon/redemption-engine/stripe"
)

const webhookSecret = "whsec_test"

// staticVerifier always reports the same settled payment.
type staticVerifier struct {
	result engine.PaymentResult
}

func (v staticVerifier) Verify(context.Context, string) (engine.PaymentResult, error) {
	return v.result, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Pool, *memstore.Ledger) {
	return newTestServerWithVerifier(t,
		staticVerifier{result: engine.PaymentResult{Success: false, Err: "invalid session id"}})
}

func newTestServerWithVerifier(t *testing.T, verifier engine.PaymentVerifier) (*httptest.Server, *memstore.Pool, *memstore.Ledger) {
	t.Helper()

	pool := memstore.NewPool()
	ledger := memstore.NewLedger()
	bindings := memstore.NewBindings()
	directory := memstore.NewDirectory()
	lock := engine.NewCoordinator(time.Second)

	catalog := engine.Catalog{
		AllowedSKUs:            []string{"55", "110", "abc"},
		Prices:                 map[string]int64{"55": 4200, "110": 8200, "abc": 900},
		Currency:               "usd",
		TestSessionPrefix:      "cs_test_",
		DefaultSyntheticAmount: 900,
		SyntheticEmail:         "test@example.com",
	}
	h := api.NewHandler(
		engine.NewRedeemer(pool, verifier, lock, catalog, nil),
		engine.NewPoints(ledger, verifier, lock, catalog, nil),
		engine.NewBinder(bindings, directory, lock, nil),
		engine.NewDirectory(directory, ledger, lock, nil),
		nil, nil,
	)
	h.WebhookSecret = webhookSecret

	srv := httptest.NewServer(api.NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return srv, pool, ledger
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

// =============================================================================
// ACTION DISPATCH
// =============================================================================

func TestExec_RedeemFlow(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	var body map[string]any
	resp := getJSON(t, srv.URL+"/api/exec?action=redeem&session_id=cs_test_1&productId=55", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "CODE-A", body["code"])
	assert.Equal(t, "success", body["status"])

	// The redeem_code alias echoes the same allocation.
	getJSON(t, srv.URL+"/api/exec?action=redeem_code&session_id=cs_test_1&productId=55", &body)
	assert.Equal(t, "CODE-A", body["code"])
	assert.Equal(t, "already_redeemed", body["status"])
}

func TestExec_BusinessErrorsStayHTTP200(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/api/exec?action=redeem&session_id=cs_test_1&productId=55", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "NO_CODES_AVAILABLE", body["code"])
}

func TestExec_PendingPaymentIsNotSuccess(t *testing.T) {
	// An unpaid live session must not read as ok to script clients that
	// only check the flag.
	srv, pool, ledger := newTestServerWithVerifier(t, staticVerifier{
		result: engine.PaymentResult{Success: true, Status: "unpaid", Currency: "usd"},
	})
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	var body map[string]any
	resp := getJSON(t, srv.URL+"/api/exec?action=redeem&session_id=cs_live_pending&productId=55", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "payment_pending", body["reason"])
	assert.NotContains(t, body, "code")

	// No code was consumed and nothing was awarded.
	tok, err := pool.TokenBySession(context.Background(), "cs_live_pending")
	require.NoError(t, err)
	assert.Nil(t, tok)

	getJSON(t, srv.URL+"/api/exec?action=award_points&session_id=cs_live_pending&uid=u1&productId=55", &body)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "payment_pending", body["reason"])

	done, err := ledger.HasDoneEntry(context.Background(), "cs_live_pending")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestExec_PostJSONBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload, _ := json.Marshal(map[string]any{
		"action":     "award_points",
		"session_id": "cs_test_2",
		"uid":        "u1",
		"productId":  "abc",
	})
	resp, err := http.Post(srv.URL+"/api/exec", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(9), body["points"])
	assert.Equal(t, float64(9), body["totalPoints"])
}

func TestExec_QueryWinsOverBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload, _ := json.Marshal(map[string]any{"action": "health", "uid": "ignored"})
	resp, err := http.Post(srv.URL+"/api/exec?action=get_points&uid=u1", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Contains(t, body, "totalPoints")
}

func TestExec_BindingConflictCodes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]any
	getJSON(t, srv.URL+"/api/exec?action=bind_member_number&uid=u1&memberNumber=7", &body)
	require.Equal(t, true, body["ok"])
	assert.Equal(t, "0007", body["memberNumber"])

	getJSON(t, srv.URL+"/api/exec?action=bind_member_number&uid=u2&memberNumber=0007", &body)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "ALREADY_BOUND", body["code"])

	getJSON(t, srv.URL+"/api/exec?action=bind_member_number&uid=u2&memberNumber=0007&force=true", &body)
	assert.Equal(t, true, body["ok"])

	getJSON(t, srv.URL+"/api/exec?action=get_member_binding&uid=u1", &body)
	assert.Equal(t, false, body["bound"])
}

func TestExec_UnknownAction(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]any
	getJSON(t, srv.URL+"/api/exec?action=frobnicate", &body)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "Invalid action", body["error"])
}

func TestExec_JSONPWrapsAndSanitizesCallback(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/exec?action=health&callback=handle%3Balert(1)")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	out := buf.String()

	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	// Hostile characters are stripped from the callback name.
	assert.True(t, strings.HasPrefix(out, "handlealert1("), "got %q", out)
	assert.True(t, strings.HasSuffix(out, ");"), "got %q", out)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

// =============================================================================
// WEBHOOK
// =============================================================================

func webhookPayload(t *testing.T, sessionID, productID, uid string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"payment_status": "paid",
				"amount_total":   4200,
				"currency":       "usd",
				"metadata":       map[string]string{"productId": productID, "uid": uid},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func TestWebhook_SignedDeliveryTriggersRedemption(t *testing.T) {
	srv, pool, ledger := newTestServer(t)
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	payload := webhookPayload(t, "cs_test_wh1", "55", "u1")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set(stripe.SignatureHeader, stripe.SignHeader(time.Now().Unix(), payload, webhookSecret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["received"])

	tok, err := pool.TokenBySession(context.Background(), "cs_test_wh1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "CODE-A", tok.Code)

	done, err := ledger.HasDoneEntry(context.Background(), "cs_test_wh1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	payload := webhookPayload(t, "cs_test_wh2", "55", "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set(stripe.SignatureHeader, stripe.SignHeader(time.Now().Unix(), payload, "whsec_wrong"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tok, err := pool.TokenBySession(context.Background(), "cs_test_wh2")
	require.NoError(t, err)
	assert.Nil(t, tok, "rejected delivery must not mutate state")
}

func TestWebhook_BusinessFailureStillAcked(t *testing.T) {
	// Empty pool: the redemption fails, but the delivery is authenticated
	// and must be acked so the sender stops retrying.
	srv, _, _ := newTestServer(t)

	payload := webhookPayload(t, "cs_test_wh3", "55", "")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set(stripe.SignatureHeader, stripe.SignHeader(time.Now().Unix(), payload, webhookSecret))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhook_FormSchemeDeliveryTriggersRedemption(t *testing.T) {
	srv, pool, ledger := newTestServer(t)
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	params := map[string]string{
		"session_id": "cs_test_form1",
		"productId":  "55",
		"uid":        "u1",
	}
	params["sign"] = stripe.SignParams(params, "sign", webhookSecret)

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	resp, err := http.Post(srv.URL+"/webhook/stripe",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["received"])

	tok, err := pool.TokenBySession(context.Background(), "cs_test_form1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "CODE-A", tok.Code)

	done, err := ledger.HasDoneEntry(context.Background(), "cs_test_form1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWebhook_FormSchemeBadSignatureRejected(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	pool.AddToken(context.Background(), engine.Token{Code: "CODE-A", SKU: "55"})

	params := map[string]string{"session_id": "cs_test_form2", "productId": "55"}
	params["sign"] = stripe.SignParams(params, "sign", "whsec_wrong")

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	resp, err := http.Post(srv.URL+"/webhook/stripe",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tok, err := pool.TokenBySession(context.Background(), "cs_test_form2")
	require.NoError(t, err)
	assert.Nil(t, tok, "rejected delivery must not mutate state")
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/webhook/stripe", "application/json",
		bytes.NewReader(webhookPayload(t, "cs_test_wh4", "55", "")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

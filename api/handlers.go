/*
handlers.go - Action dispatch and webhook handlers

PURPOSE:
  Exposes the redemption engine through a single action endpoint plus a
  signed webhook. Handles parameter merging, JSON/JSONP rendering, and the
  mapping from engine errors to response envelopes.

ACTION ENDPOINT:
  GET|POST /api/exec?action=...
  Parameters come from the query string and, for POST, a JSON body; query
  wins on conflict so existing GET clients keep working. Responses are
  always HTTP 200 with {ok:bool,...}; transport status stays 200 even for
  business failures because JSONP callers cannot read error statuses.

ACTIONS:
  redeem (alias redeem_code)   allocate a code for a paid session
  award_points                 idempotent points award
  get_points                   total + history page
  check_stock                  availability for a product
  bind_member_number           bind uid to a 4-digit number
  unbind_member_number         release the active binding
  get_member_binding           current binding for a uid
  find_member_by_number        reverse lookup, joins the member directory
  validate_member_numbers      batch normalize + existence check
  import_user                  idempotent directory import
  get_member_stats             directory and points totals
  health                       liveness

WEBHOOK:
  POST /webhook/stripe. Signature failures are 400 before any business
  logic; once authenticated the delivery is acked 200 {received:true} no
  matter what the triggered redemption does, so the sender stops retrying.

SEE ALSO:
  - dto.go: response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cbon/redemption-engine/engine"
	"github.com/cbon/redemption-engine/stripe"
)

// maxBodyBytes bounds request and webhook payload size.
const maxBodyBytes = 1 << 20

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Redeemer  *engine.Redeemer
	Points    *engine.Points
	Binder    *engine.Binder
	Directory *engine.Directory
	Audit     engine.ActivityLog
	Logger    *slog.Logger

	// WebhookSecret authenticates inbound deliveries. Empty disables the
	// webhook endpoint (404 is handled in the router).
	WebhookSecret string
}

// NewHandler wires the handler; nil logger and audit fall back to defaults.
func NewHandler(redeemer *engine.Redeemer, points *engine.Points, binder *engine.Binder, directory *engine.Directory, audit engine.ActivityLog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = engine.NopLog{}
	}
	return &Handler{
		Redeemer:  redeemer,
		Points:    points,
		Binder:    binder,
		Directory: directory,
		Audit:     audit,
		Logger:    logger,
	}
}

// =============================================================================
// ACTION DISPATCH
// =============================================================================

// Exec is the single action endpoint.
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	params := collectParams(r)
	callback := params["callback"]

	// The action boundary never leaks a panic as a broken JSONP response.
	defer func() {
		if rec := recover(); rec != nil {
			h.Logger.Error("panic in action handler", "panic", rec, "action", params["action"])
			respond(w, callback, Envelope{OK: false, Error: "internal server error"})
		}
	}()

	action := params["action"]
	var payload any

	switch action {
	case "redeem", "redeem_code":
		payload = h.execRedeem(r, params)
	case "award_points":
		payload = h.execAwardPoints(r, params)
	case "get_points":
		payload = h.execGetPoints(r, params)
	case "check_stock":
		payload = h.execCheckStock(r, params)
	case "bind_member_number":
		payload = h.execBind(r, params)
	case "unbind_member_number":
		payload = h.execUnbind(r, params)
	case "get_member_binding":
		payload = h.execGetBinding(r, params)
	case "find_member_by_number":
		payload = h.execFindByNumber(r, params)
	case "validate_member_numbers":
		payload = h.execValidateNumbers(r, params)
	case "import_user":
		payload = h.execImportUser(r, params)
	case "get_member_stats":
		payload = h.execStats(r)
	case "health":
		payload = healthResponse{OK: true, Status: "healthy"}
	default:
		payload = Envelope{OK: false, Error: "Invalid action"}
	}

	respond(w, callback, payload)
}

func (h *Handler) execRedeem(r *http.Request, params map[string]string) any {
	res, err := h.Redeemer.Redeem(r.Context(), params["session_id"], params["productId"])
	if err != nil {
		return errorEnvelope(err)
	}
	if res.Status == engine.StatusPending {
		return pendingEnvelope()
	}
	return redeemResponse{OK: true, Code: res.Code, Status: res.Status, SKU: res.SKU}
}

func (h *Handler) execAwardPoints(r *http.Request, params map[string]string) any {
	res, err := h.Points.Award(r.Context(), params["session_id"], params["uid"], params["productId"])
	if err != nil {
		return errorEnvelope(err)
	}
	if res.Status == engine.StatusPending {
		return pendingEnvelope()
	}
	return awardResponse{OK: true, Points: res.Points, TotalPoints: res.TotalPoints, Status: res.Status}
}

func (h *Handler) execGetPoints(r *http.Request, params map[string]string) any {
	limit := 0
	if raw := params["limit"]; raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	hist, err := h.Points.History(r.Context(), params["uid"], limit)
	if err != nil {
		return errorEnvelope(err)
	}
	entries := make([]pointsEntryDTO, 0, len(hist.Entries))
	for _, e := range hist.Entries {
		entries = append(entries, pointsEntryDTO{
			SessionID: e.SessionID,
			Amount:    e.AmountMinorUnits,
			Points:    e.Points,
			AwardedAt: e.AwardedAt.Format(time.RFC3339),
			Status:    string(e.Status),
		})
	}
	return pointsResponse{OK: true, TotalPoints: hist.TotalPoints, History: entries}
}

func (h *Handler) execCheckStock(r *http.Request, params map[string]string) any {
	info, err := h.Redeemer.CheckStock(r.Context(), params["productId"])
	if err != nil {
		return errorEnvelope(err)
	}
	return stockResponse{OK: true, Available: info.Available, Count: info.Count, SKU: info.SKU}
}

// memberNumberParam reads the member number under either of the two names
// clients use: camelCase from the legacy script clients, snake_case from
// newer integrations.
func memberNumberParam(params map[string]string) string {
	if v := params["memberNumber"]; v != "" {
		return v
	}
	return params["member_number"]
}

func (h *Handler) execBind(r *http.Request, params map[string]string) any {
	force := params["force"] == "true" || params["force"] == "1"
	number, err := h.Binder.Bind(r.Context(), params["uid"], memberNumberParam(params), force)
	if err != nil {
		return errorEnvelope(err)
	}
	return bindResponse{OK: true, MemberNumber: number, Status: engine.StatusSuccess}
}

func (h *Handler) execUnbind(r *http.Request, params map[string]string) any {
	number, err := h.Binder.Unbind(r.Context(), params["uid"])
	if err != nil {
		return errorEnvelope(err)
	}
	return bindResponse{OK: true, MemberNumber: number, Status: engine.StatusSuccess}
}

func (h *Handler) execGetBinding(r *http.Request, params map[string]string) any {
	binding, err := h.Binder.GetBinding(r.Context(), params["uid"])
	if err != nil {
		return errorEnvelope(err)
	}
	if binding == nil {
		return getBindingResponse{OK: true, Bound: false}
	}
	return getBindingResponse{OK: true, Bound: true, Binding: toBindingDTO(binding)}
}

func (h *Handler) execFindByNumber(r *http.Request, params map[string]string) any {
	binding, member, err := h.Binder.FindByNumber(r.Context(), memberNumberParam(params))
	if err != nil {
		return errorEnvelope(err)
	}
	resp := findMemberResponse{OK: true, Found: binding != nil || member != nil}
	if binding != nil {
		resp.Binding = toBindingDTO(binding)
	}
	if member != nil {
		resp.Member = toMemberDTO(member)
	}
	return resp
}

func (h *Handler) execValidateNumbers(r *http.Request, params map[string]string) any {
	// Comma-separated list; JSON array bodies arrive pre-joined by
	// collectParams.
	raw := strings.Split(params["numbers"], ",")
	results, err := h.Directory.ValidateNumbers(r.Context(), raw)
	if err != nil {
		return errorEnvelope(err)
	}
	dtos := make([]validationDTO, 0, len(results))
	for _, v := range results {
		dto := validationDTO{
			Original:   v.Original,
			Normalized: v.Normalized,
			Valid:      v.Valid,
			Exists:     v.Exists,
		}
		if v.Member != nil {
			dto.Member = toMemberDTO(v.Member)
		}
		dtos = append(dtos, dto)
	}
	return validateNumbersResponse{OK: true, Results: dtos}
}

func (h *Handler) execImportUser(r *http.Request, params map[string]string) any {
	out, err := h.Directory.Import(r.Context(), engine.MemberImport{
		ExternalID:     params["external_id"],
		ExternalSource: params["source"],
		MemberNumber:   memberNumberParam(params),
		Email:          params["email"],
		Name:           params["name"],
		Phone:          params["phone"],
	})
	if err != nil {
		return errorEnvelope(err)
	}
	return importResponse{OK: true, MemberID: out.MemberID, Status: out.Status}
}

func (h *Handler) execStats(r *http.Request) any {
	stats, err := h.Directory.Stats(r.Context())
	if err != nil {
		return errorEnvelope(err)
	}
	return statsResponse{
		OK:           true,
		TotalMembers: stats.TotalMembers,
		BySource:     stats.BySource,
		TotalPoints:  stats.TotalPoints,
	}
}

// Health is the plain liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, "", healthResponse{OK: true, Status: "healthy"})
}

// =============================================================================
// WEBHOOK
// =============================================================================

// Webhook handles signed payment-gateway deliveries. Two schemes are
// accepted: a JSON event body authenticated by the Stripe-Signature header,
// and a form-encoded body authenticated by the sorted-params HMAC in its
// "sign" field. Protocol errors (bad signature, unparseable payload) are
// 400; authenticated deliveries are acked 200 regardless of the business
// outcome.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if r.Header.Get(stripe.SignatureHeader) != "" {
		h.webhookEvent(w, r, body)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		h.webhookForm(w, r, body)
		return
	}

	h.Logger.Warn("webhook rejected", "error", stripe.ErrInvalidSignature)
	http.Error(w, "signature verification failed", http.StatusBadRequest)
}

// webhookEvent handles the JSON event scheme.
func (h *Handler) webhookEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	header := r.Header.Get(stripe.SignatureHeader)
	if err := stripe.VerifySignature(body, header, h.WebhookSecret, stripe.DefaultTolerance, time.Now()); err != nil {
		h.Logger.Warn("webhook rejected", "error", err)
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	h.Audit.Record(r.Context(), engine.ActionWebhookReceived, event.Data.Object.ID,
		"type: "+event.Type)

	if event.Type == stripe.EventCheckoutCompleted {
		session := event.Data.Object
		h.triggerRedemption(r, session.ID, session.Metadata.ProductID, session.Metadata.UID)
	}

	respond(w, "", webhookResponse{Received: true})
}

// webhookForm handles form-encoded deliveries. Fields carry the same names
// as the action endpoint (session_id, productId, uid); a delivery without a
// session id authenticates and is acked without triggering anything.
func (h *Handler) webhookForm(w http.ResponseWriter, r *http.Request, body []byte) {
	values, err := parseForm(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := stripe.VerifyParams(values, "sign", h.WebhookSecret); err != nil {
		h.Logger.Warn("webhook rejected", "error", err)
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}

	sessionID := values["session_id"]
	h.Audit.Record(r.Context(), engine.ActionWebhookReceived, sessionID, "form delivery")

	if sessionID != "" {
		h.triggerRedemption(r, sessionID, values["productId"], values["uid"])
	}

	respond(w, "", webhookResponse{Received: true})
}

// triggerRedemption runs the same idempotent paths as the action endpoint;
// a duplicate delivery echoes the existing allocation. Business failures
// are logged, not surfaced, so the sender stops retrying.
func (h *Handler) triggerRedemption(r *http.Request, sessionID, productID, uid string) {
	if _, err := h.Redeemer.Redeem(r.Context(), sessionID, productID); err != nil {
		h.Logger.Warn("webhook redemption failed",
			"session_id", sessionID, "error", err)
	}
	if uid != "" {
		if _, err := h.Points.Award(r.Context(), sessionID, uid, productID); err != nil {
			h.Logger.Warn("webhook points award failed",
				"session_id", sessionID, "error", err)
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// collectParams merges the query string over a JSON object body. All values
// are flattened to strings; arrays join with commas.
func collectParams(r *http.Request) map[string]string {
	params := make(map[string]string)

	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err == nil {
			for k, v := range body {
				params[k] = stringify(v)
			}
		}
	}

	// Query parameters win so GET-style links behave identically on POST.
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers; render integers without a decimal point.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func parseForm(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

// callbackSanitizer strips everything that is not a legal JS callback path
// character, so a hostile callback parameter cannot inject script.
var callbackSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_$.]`)

// respond renders payload as JSON, or as a JSONP call when callback is
// non-empty. Always HTTP 200 once we are rendering a payload.
func respond(w http.ResponseWriter, callback string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"ok":false,"error":"internal server error"}`))
		return
	}

	if callback != "" {
		name := callbackSanitizer.ReplaceAllString(callback, "")
		if name == "" {
			name = "callback"
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(name + "("))
		w.Write(data)
		w.Write([]byte(");"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// pendingEnvelope renders an unpaid session. The caller should retry after
// the payment settles; nothing was mutated.
func pendingEnvelope() pendingResponse {
	return pendingResponse{OK: false, Status: engine.StatusPending, Reason: "payment_pending"}
}

// errorEnvelope maps engine errors to response envelopes with stable codes.
func errorEnvelope(err error) Envelope {
	env := Envelope{OK: false, Error: err.Error()}
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		env.Code = "INVALID_ARGUMENT"
	case errors.Is(err, engine.ErrBusy):
		env.Code = "BUSY"
	case errors.Is(err, engine.ErrAmountMismatch):
		env.Code = "AMOUNT_MISMATCH"
	case errors.Is(err, engine.ErrPaymentVerification):
		env.Code = "PAYMENT_VERIFY_FAILED"
	case errors.Is(err, engine.ErrOutOfStock):
		env.Code = "NO_CODES_AVAILABLE"
	case errors.Is(err, engine.ErrAlreadyBound):
		env.Code = "ALREADY_BOUND"
	case errors.Is(err, engine.ErrUserAlreadyBound):
		env.Code = "USER_ALREADY_BOUND"
	case errors.Is(err, engine.ErrNoActiveBinding):
		env.Code = "NO_ACTIVE_BINDING"
	default:
		// Internal details stay out of client responses.
		env.Error = "internal server error"
		env.Code = "INTERNAL"
	}
	return env
}

func toBindingDTO(b *engine.Binding) *bindingDTO {
	return &bindingDTO{
		UID:          b.UID,
		MemberNumber: b.MemberNumber,
		BoundAt:      b.BoundAt.Format(time.RFC3339),
		Status:       string(b.Status),
		Notes:        b.Notes,
	}
}

func toMemberDTO(m *engine.Member) *memberDTO {
	return &memberDTO{
		ID:           m.ID,
		MemberNumber: m.MemberNumber,
		Email:        m.Email,
		Name:         m.Name,
		Source:       m.ExternalSource,
	}
}

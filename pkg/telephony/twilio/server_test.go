package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/voxhall/relay/pkg/store"
)

type noopHandler struct{}

func (noopHandler) Handle(context.Context, *websocket.Conn) {}

func newTestServer(cfg Config, mem *store.Memory) *Server {
	return NewServer(cfg, mem, noopHandler{}, slog.Default())
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// computeSignature follows the provider's webhook signing scheme: HMAC-SHA1
// over the full URL plus the form parameters concatenated in key order.
func computeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceWebhookCreatesCallAndAnswersWithStream(t *testing.T) {
	mem := store.NewMemory()
	s := newTestServer(Config{PublicURL: "https://relay.example.com", VoiceGreeting: "One moment"}, mem)

	form := url.Values{
		"CallSid":   {"CA100"},
		"From":      {"+15550001111"},
		"To":        {"+15550002222"},
		"Direction": {"inbound"},
	}
	rec := postForm(t, s.Handler(), "/voice", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("voice webhook status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<Say>One moment</Say>`) {
		t.Fatalf("greeting missing from twiml: %s", body)
	}
	if !strings.Contains(body, `<Connect><Stream url="wss://relay.example.com/ws"/></Connect>`) {
		t.Fatalf("stream directive missing from twiml: %s", body)
	}

	call, err := mem.CallByProviderID(context.Background(), "CA100")
	if err != nil {
		t.Fatalf("call row not created: %v", err)
	}
	if call.FromNumber != "+15550001111" || call.Direction != store.DirectionInbound {
		t.Fatalf("unexpected call row: %+v", call)
	}
	if call.Status != store.StatusInProgress {
		t.Fatalf("unexpected call status: %q", call.Status)
	}
}

func TestVoiceWebhookRejectsGet(t *testing.T) {
	s := newTestServer(Config{}, store.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/voice", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWebhookSignatureValidation(t *testing.T) {
	mem := store.NewMemory()
	s := newTestServer(Config{PublicURL: "https://relay.example.com", AuthToken: "secret-token"}, mem)
	form := url.Values{"CallSid": {"CA200"}, "Direction": {"inbound"}}

	rec := postForm(t, s.Handler(), "/voice", form, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unsigned request accepted: %d", rec.Code)
	}

	rec = postForm(t, s.Handler(), "/voice", form, map[string]string{
		"X-Twilio-Signature": "bm90LXRoZS1yaWdodC1zaWduYXR1cmU=",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged signature accepted: %d", rec.Code)
	}

	sig := computeSignature("secret-token", "https://relay.example.com/voice", form)
	rec = postForm(t, s.Handler(), "/voice", form, map[string]string{
		"X-Twilio-Signature": sig,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature rejected: %d", rec.Code)
	}
	if _, err := mem.CallByProviderID(context.Background(), "CA200"); err != nil {
		t.Fatalf("call row not created after valid signature: %v", err)
	}
}

func TestStatusCallbackCompletesCall(t *testing.T) {
	mem := store.NewMemory()
	if _, err := mem.CreateCall(context.Background(), store.Call{
		ProviderCallID: "CA300",
		Status:         store.StatusInProgress,
	}); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	s := newTestServer(Config{}, mem)

	form := url.Values{
		"CallSid":      {"CA300"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	}
	rec := postForm(t, s.Handler(), "/status", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status callback: %d", rec.Code)
	}
	call, err := mem.CallByProviderID(context.Background(), "CA300")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if call.Status != store.StatusCompleted {
		t.Fatalf("status not updated: %q", call.Status)
	}
	if call.EndedAt == nil || call.DurationSeconds != 42 {
		t.Fatalf("terminal fields not recorded: %+v", call)
	}
}

func TestStatusCallbackKeepsTerminalStatus(t *testing.T) {
	mem := store.NewMemory()
	if _, err := mem.CreateCall(context.Background(), store.Call{
		ProviderCallID: "CA350",
		Status:         store.StatusInProgress,
	}); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	s := newTestServer(Config{PublicURL: "https://relay.example.com"}, mem)

	form := url.Values{
		"CallSid":      {"CA350"},
		"CallStatus":   {"completed"},
		"CallDuration": {"17"},
	}
	if rec := postForm(t, s.Handler(), "/status", form, nil); rec.Code != http.StatusOK {
		t.Fatalf("completed callback: %d", rec.Code)
	}

	// Provider callbacks can arrive out of order; a delayed in-progress
	// callback lands after the completed one.
	late := url.Values{"CallSid": {"CA350"}, "CallStatus": {"in-progress"}}
	if rec := postForm(t, s.Handler(), "/status", late, nil); rec.Code != http.StatusOK {
		t.Fatalf("late callback: %d", rec.Code)
	}
	call, _ := mem.CallByProviderID(context.Background(), "CA350")
	if call.Status != store.StatusCompleted {
		t.Fatalf("late callback regressed status to %q", call.Status)
	}
	if call.EndedAt == nil || call.DurationSeconds != 17 {
		t.Fatalf("terminal fields lost: %+v", call)
	}

	// A retried voice webhook upserts through CreateCall; the ended row
	// must keep its status there too.
	voice := url.Values{"CallSid": {"CA350"}, "Direction": {"inbound"}}
	if rec := postForm(t, s.Handler(), "/voice", voice, nil); rec.Code != http.StatusOK {
		t.Fatalf("voice webhook: %d", rec.Code)
	}
	call, _ = mem.CallByProviderID(context.Background(), "CA350")
	if call.Status != store.StatusCompleted {
		t.Fatalf("voice upsert regressed status to %q", call.Status)
	}
}

func TestStatusCallbackUpsertsUnknownCall(t *testing.T) {
	mem := store.NewMemory()
	s := newTestServer(Config{}, mem)

	form := url.Values{
		"CallSid":    {"CA400"},
		"CallStatus": {"no-answer"},
		"From":       {"+15550003333"},
		"Direction":  {"outbound-api"},
	}
	rec := postForm(t, s.Handler(), "/status", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status callback: %d", rec.Code)
	}
	call, err := mem.CallByProviderID(context.Background(), "CA400")
	if err != nil {
		t.Fatalf("row not upserted: %v", err)
	}
	if call.Status != store.StatusNoAnswer || call.Direction != store.DirectionOutbound {
		t.Fatalf("unexpected upserted row: %+v", call)
	}
}

func TestStatusCallbackIgnoresUnknownStatus(t *testing.T) {
	mem := store.NewMemory()
	if _, err := mem.CreateCall(context.Background(), store.Call{
		ProviderCallID: "CA500",
		Status:         store.StatusInProgress,
	}); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	s := newTestServer(Config{}, mem)

	form := url.Values{"CallSid": {"CA500"}, "CallStatus": {"something-new"}}
	rec := postForm(t, s.Handler(), "/status", form, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status callback: %d", rec.Code)
	}
	call, _ := mem.CallByProviderID(context.Background(), "CA500")
	if call.Status != store.StatusInProgress {
		t.Fatalf("unknown status mutated the row: %q", call.Status)
	}
}

func TestDialEndpointPlacesCallAndRecordsRow(t *testing.T) {
	mem := store.NewMemory()
	s := newTestServer(Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		CallerID:   "+15550009999",
		PublicURL:  "https://relay.example.com",
	}, mem)
	stub := &stubCreator{sid: "CA600"}
	s.dialer.client = stub

	body, _ := json.Marshal(map[string]string{"to": "+15550008888"})
	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("dial endpoint: %d (%s)", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["call_sid"] != "CA600" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if stub.last == nil || stub.last.From == nil || *stub.last.From != "+15550009999" {
		t.Fatalf("caller id default not applied: %+v", stub.last)
	}
	if stub.last.Url == nil || *stub.last.Url != "https://relay.example.com/voice" {
		t.Fatalf("voice webhook default not applied: %+v", stub.last)
	}

	call, err := mem.CallByProviderID(context.Background(), "CA600")
	if err != nil {
		t.Fatalf("outbound row not recorded: %v", err)
	}
	if call.Direction != store.DirectionOutbound || call.Status != store.StatusRinging {
		t.Fatalf("unexpected outbound row: %+v", call)
	}
}

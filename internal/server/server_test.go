package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"mangoscan/internal/app"
	"mangoscan/internal/classifierclient"
	"mangoscan/internal/usertoken"
	"mangoscan/pkg/domain"
	"mangoscan/pkg/store"
)

const testSecret = "gateway-test-secret"

type testEnv struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	upstream *httptest.Server
	calls    *atomic.Int32
}

type envOptions struct {
	revoker        usertoken.RevocationChecker
	maxUploadBytes int64
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc, timeout time.Duration) *testEnv {
	t.Helper()
	return newTestEnvWith(t, upstream, timeout, envOptions{})
}

func newTestEnvWith(t *testing.T, upstream http.HandlerFunc, timeout time.Duration, opts envOptions) *testEnv {
	t.Helper()
	calls := &atomic.Int32{}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(up.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret, Revoker: opts.revoker})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	mem := store.NewMemoryStore()
	a, err := app.New(app.Config{
		Verifier:       verifier,
		Classifier:     classifierclient.NewClient(up.URL, timeout),
		Store:          mem,
		MaxUploadBytes: opts.maxUploadBytes,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: mem, upstream: up, calls: calls}
}

func healthyUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"diagnosis":"Healthy","confidence":0.93,"recommendedAction":"Keep monitoring","practices":["Keep monitoring"]}`))
}

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Add(-time.Hour).Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validToken(t *testing.T, subject string) string {
	return signToken(t, subject, time.Now().Add(time.Hour))
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func (e *testEnv) submit(t *testing.T, token, contentType string, data []byte) *http.Response {
	t.Helper()
	body, formType := multipartBody(t, "image", "leaf.png", contentType, data)
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/analyze", body)
	req.Header.Set("Content-Type", formType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	defer resp.Body.Close()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestSubmitValidImageCreatesRecord(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	resp := env.submit(t, validToken(t, "user-1"), "image/png", bytes.Repeat([]byte{0x42}, 2<<20))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var summary domain.AnalysisSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.ID == "" || summary.Diagnosis != "Healthy" || summary.Confidence != 0.93 || summary.CreatedAt.IsZero() {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if env.calls.Load() != 1 || env.store.Len() != 1 {
		t.Fatalf("calls=%d stored=%d", env.calls.Load(), env.store.Len())
	}
}

func TestSubmitNonImageRejectedBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	resp := env.submit(t, validToken(t, "user-1"), "text/plain", []byte("not an image"))

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeUnsupportedMedia || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if env.calls.Load() != 0 || env.store.Len() != 0 {
		t.Fatalf("calls=%d stored=%d, want none", env.calls.Load(), env.store.Len())
	}
}

func TestSubmitUpstreamTimeoutReturns502(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 100*time.Millisecond)
	defer close(release)

	resp := env.submit(t, validToken(t, "user-1"), "image/jpeg", []byte("jpeg bytes"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeUpstreamFailed {
		t.Fatalf("unexpected error body %+v", body)
	}
	if env.store.Len() != 0 {
		t.Fatalf("no record expected after upstream timeout")
	}
}

func TestSubmitUpstreamErrorReturns502(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model exploded at /opt/model.pt"}`))
	}, time.Second)

	resp := env.submit(t, validToken(t, "user-1"), "image/png", []byte("png"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != codeUpstreamFailed || bytes.Contains([]byte(body.Error), []byte("/opt/model.pt")) {
		t.Fatalf("unexpected or leaky error body %+v", body)
	}
}

func TestSubmitThenListNewestFirst(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	token := validToken(t, "user-1")
	var ids []string
	for i := 0; i < 2; i++ {
		resp := env.submit(t, token, "image/png", []byte(fmt.Sprintf("png-%d", i)))
		var summary domain.AnalysisSummary
		_ = json.NewDecoder(resp.Body).Decode(&summary)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d: status %d", i, resp.StatusCode)
		}
		ids = append(ids, summary.ID)
	}
	otherResp := env.submit(t, validToken(t, "user-2"), "image/png", []byte("other"))
	otherResp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/analyze", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 2 || len(list.Data) != 2 {
		t.Fatalf("count = %d len = %d, want 2", list.Count, len(list.Data))
	}
	if list.Data[0].ID != ids[1] || list.Data[1].ID != ids[0] {
		t.Fatalf("expected newest first, got %s, %s", list.Data[0].ID, list.Data[1].ID)
	}
	if list.Data[0].CreatedAt.Before(list.Data[1].CreatedAt) {
		t.Fatalf("createdAt not descending: %s before %s", list.Data[0].CreatedAt, list.Data[1].CreatedAt)
	}
	for _, rec := range list.Data {
		if rec.UserID != "user-1" {
			t.Fatalf("foreign record in listing: %+v", rec)
		}
	}
}

func TestExpiredTokenRejectedBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	expired := signToken(t, "user-1", time.Now().Add(-time.Hour))

	resp := env.submit(t, expired, "image/png", []byte("png"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeTokenExpired {
		t.Fatalf("unexpected error body %+v", body)
	}
	if env.calls.Load() != 0 {
		t.Fatalf("upstream must not be called for expired token")
	}
}

func TestJustExpiredTokenRejectedBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	expired := signToken(t, "user-1", time.Now().Add(-time.Second))

	resp := env.submit(t, expired, "image/png", []byte("png"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeTokenExpired {
		t.Fatalf("unexpected error body %+v", body)
	}
	if env.calls.Load() != 0 || env.store.Len() != 0 {
		t.Fatalf("calls=%d stored=%d, want none", env.calls.Load(), env.store.Len())
	}
}

func TestSubmitImageOverLimitRejected(t *testing.T) {
	env := newTestEnvWith(t, healthyUpstream, time.Second, envOptions{maxUploadBytes: 10})

	resp := env.submit(t, validToken(t, "user-1"), "image/png", bytes.Repeat([]byte{0x42}, 10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("image at the limit: status = %d, want 201", resp.StatusCode)
	}

	resp = env.submit(t, validToken(t, "user-1"), "image/png", bytes.Repeat([]byte{0x42}, 11))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeFileTooLarge {
		t.Fatalf("code = %q, want %q", body.Code, codeFileTooLarge)
	}
	if env.calls.Load() != 1 || env.store.Len() != 1 {
		t.Fatalf("calls=%d stored=%d, want only the in-limit upload", env.calls.Load(), env.store.Len())
	}
}

func TestSubmitBodyOverReaderLimitRejected(t *testing.T) {
	env := newTestEnvWith(t, healthyUpstream, time.Second, envOptions{maxUploadBytes: 1 << 20})

	resp := env.submit(t, validToken(t, "user-1"), "image/png", bytes.Repeat([]byte{0x42}, 3<<20))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeFileTooLarge {
		t.Fatalf("code = %q, want %q", body.Code, codeFileTooLarge)
	}
	if env.calls.Load() != 0 || env.store.Len() != 0 {
		t.Fatalf("calls=%d stored=%d, want none", env.calls.Load(), env.store.Len())
	}
}

func TestAuthFailureCodes(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "no header", header: "", code: codeMissingToken},
		{name: "not bearer", header: "Basic abc", code: codeMissingToken},
		{name: "garbage", header: "Bearer not-a-jwt", code: codeInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/analyze", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			if body := decodeError(t, resp); body.Code != tc.code {
				t.Fatalf("code = %q, want %q", body.Code, tc.code)
			}
		})
	}
}

func TestSubmitMissingFile(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	body, formType := multipartBody(t, "photo", "leaf.png", "image/png", []byte("png"))
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/analyze", body)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := decodeError(t, resp); got.Code != codeFileRequired {
		t.Fatalf("code = %q", got.Code)
	}
	if env.calls.Load() != 0 {
		t.Fatalf("upstream must not be called")
	}
}

func TestSubmitPersistenceFailureReturns500(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	env.store.FailWith(fmt.Errorf("pq: connection refused"))

	resp := env.submit(t, validToken(t, "user-1"), "image/png", []byte("png"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != codeInternal || bytes.Contains([]byte(body.Error), []byte("pq:")) {
		t.Fatalf("unexpected or leaky error body %+v", body)
	}
}

func TestAnalyzeMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/analyze", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if got := decodeError(t, resp); got.Code != codeMethodNotAllowed {
		t.Fatalf("code = %q", got.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	for _, path := range []string{"/health", "/healthz"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["service"] != defaultServiceName {
			t.Fatalf("%s: status=%d body=%v", path, resp.StatusCode, body)
		}
		if resp.Header.Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", path)
		}
	}
}

func TestReadyReflectsStore(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	resp, err := http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	env.store.FailWith(fmt.Errorf("down"))
	resp, err = http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	revoker := store.NewMemoryTokenRevoker()
	env := newTestEnvWith(t, healthyUpstream, time.Second, envOptions{revoker: revoker})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"jti": "session-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp := env.submit(t, token, "image/png", []byte("png"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status before revocation = %d, want 201", resp.StatusCode)
	}

	if err := revoker.Revoke("session-7", time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp = env.submit(t, token, "image/png", []byte("png"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status after revocation = %d, want 401", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != codeTokenRevoked {
		t.Fatalf("code = %q, want %q", body.Code, codeTokenRevoked)
	}
	if env.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", env.calls.Load())
	}
}

func TestAnalyzeResponsesCarrySecurityHeaders(t *testing.T) {
	env := newTestEnv(t, healthyUpstream, time.Second)
	tests := []struct {
		name      string
		token     string
		forwarded string
		status    int
		wantHSTS  bool
	}{
		{name: "rejected over http", status: http.StatusUnauthorized},
		{name: "rejected behind https proxy", forwarded: "https", status: http.StatusUnauthorized, wantHSTS: true},
		{name: "listing behind https proxy", token: validToken(t, "user-1"), forwarded: "https", status: http.StatusOK, wantHSTS: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/analyze", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tc.forwarded)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Fatalf("Cache-Control = %q, want no-store", got)
			}
			if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
				t.Fatalf("X-Content-Type-Options = %q", got)
			}
			if hsts := resp.Header.Get("Strict-Transport-Security"); (hsts != "") != tc.wantHSTS {
				t.Fatalf("HSTS = %q, want present=%v", hsts, tc.wantHSTS)
			}
		})
	}
}

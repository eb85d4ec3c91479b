package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"securereader/internal/servicetoken"
	"securereader/internal/usertoken"
	"securereader/pkg/devices"
	"securereader/pkg/domain"
	"securereader/pkg/events"
	"securereader/pkg/store"
	"securereader/services/broker/internal/app"
)

type fakeObjects struct{}

func (fakeObjects) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (fakeObjects) Exists(context.Context, string) (bool, error) { return true, nil }

type serverEnv struct {
	ts          *httptest.Server
	store       *store.MemoryStore
	signKey     *rsa.PrivateKey
	internalKey *rsa.PrivateKey
}

func newServerEnv(t *testing.T, grantLimit int) *serverEnv {
	t.Helper()

	userKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(userKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(userKey.PublicKey.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(jwksServer.Close)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "securereader-auth",
		Audience: "securereader-api",
	})
	if err != nil {
		t.Fatalf("new user verifier: %v", err)
	}

	internalKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate internal key: %v", err)
	}
	pubPath := filepath.Join(t.TempDir(), "internal.pub.pem")
	pubDER, err := x509.MarshalPKIXPublicKey(&internalKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	writePEM(t, pubPath, "PUBLIC KEY", pubDER)

	mr := miniredis.RunT(t)
	registry := devices.NewRegistry(mr.Addr(), "", "", devices.WithHashCost(bcrypt.MinCost))
	memStore := store.NewMemoryStore()
	appCore, err := app.New(app.Config{
		Store:   memStore,
		Objects: fakeObjects{},
		Devices: registry,
		Events:  events.NopPublisher{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	srv, err := New(Config{
		App:           appCore,
		Store:         memStore,
		TokenVerifier: tokenVerifier,
		InternalJWTVerifyPublicKeys: map[string]string{
			servicetoken.DefaultKeyID: pubPath,
		},
		RedisAddr:               mr.Addr(),
		GrantRateLimitPerMinute: grantLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &serverEnv{ts: ts, store: memStore, signKey: userKey, internalKey: internalKey}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (env *serverEnv) seed(t *testing.T) {
	t.Helper()
	if err := env.store.SaveUser(domain.User{ID: "u1", Role: domain.RoleUser, Status: domain.StatusActive}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := env.store.SaveContent(domain.ContentItem{
		ID: "c1", Title: "Systems Field Guide", TotalPages: 120, Active: true, StorageKey: "docs/c1.pdf",
	}); err != nil {
		t.Fatalf("SaveContent: %v", err)
	}
	if err := env.store.ReplaceSegments("c1", []domain.Segment{
		{ContentID: "c1", Index: 0, StartPage: 1, EndPage: 40, FilePath: "segments/c1-0.pdf"},
		{ContentID: "c1", Index: 1, StartPage: 41, EndPage: 80, FilePath: "segments/c1-1.pdf"},
		{ContentID: "c1", Index: 2, StartPage: 81, EndPage: 120, FilePath: "segments/c1-2.pdf"},
	}); err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}
	if err := env.store.SaveEntitlement(domain.Entitlement{UserID: "u1", ContentID: "c1"}); err != nil {
		t.Fatalf("SaveEntitlement: %v", err)
	}
}

func (env *serverEnv) userToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "securereader-auth",
		Audience:  jwt.ClaimStrings{"securereader-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(env.signKey)
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}
	return signed
}

func (env *serverEnv) internalToken(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "publisher-pipeline",
		Subject:   "publisher-pipeline",
		Audience:  jwt.ClaimStrings{"broker"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		ID:        "jti-test",
	})
	token.Header["kid"] = servicetoken.DefaultKeyID
	signed, err := token.SignedString(env.internalKey)
	if err != nil {
		t.Fatalf("sign internal token: %v", err)
	}
	return signed
}

func (env *serverEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestGrantEndpoint(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)
	token := env.userToken(t, "u1")

	resp, payload := env.do(t, http.MethodPost, "/api/grants", token, map[string]any{
		"content_id": "c1", "segment_index": 1, "device_id": "device-a",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%v", resp.StatusCode, payload)
	}
	if payload["signedUrl"] == "" || payload["signedUrl"] == nil {
		t.Fatalf("missing signed url in %v", payload)
	}
	if idx, ok := payload["segmentIndex"].(float64); !ok || int(idx) != 1 {
		t.Fatalf("segmentIndex = %v, want 1", payload["segmentIndex"])
	}
}

func TestGrantRejectsMissingAndInvalidTokens(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)

	resp, payload := env.do(t, http.MethodPost, "/api/grants", "", map[string]any{"content_id": "c1", "device_id": "d"})
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "AUTH_INVALID_TOKEN" {
		t.Fatalf("missing token: status=%d payload=%v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, http.MethodPost, "/api/grants", "not-a-jwt", map[string]any{"content_id": "c1", "device_id": "d"})
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "AUTH_INVALID_TOKEN" {
		t.Fatalf("bad token: status=%d payload=%v", resp.StatusCode, payload)
	}

	// Token for a user that does not exist in the store.
	resp, _ = env.do(t, http.MethodPost, "/api/grants", env.userToken(t, "ghost"), map[string]any{"content_id": "c1", "device_id": "d"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown subject: status=%d", resp.StatusCode)
	}
}

func TestGrantErrorMapping(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)
	token := env.userToken(t, "u1")

	resp, payload := env.do(t, http.MethodPost, "/api/grants", token, map[string]any{"content_id": "c1"})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "DEVICE_ID_REQUIRED" {
		t.Fatalf("missing device id: status=%d payload=%v", resp.StatusCode, payload)
	}

	// Claim device-a, then request from device-b.
	resp, _ = env.do(t, http.MethodPost, "/api/devices/claim", token, map[string]any{
		"device_id": "device-a", "device_info": map[string]string{"platform": "ios", "model": "iPhone 15"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status=%d", resp.StatusCode)
	}
	resp, payload = env.do(t, http.MethodPost, "/api/grants", token, map[string]any{"content_id": "c1", "device_id": "device-b"})
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "DEVICE_MISMATCH" {
		t.Fatalf("device mismatch: status=%d payload=%v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, http.MethodPost, "/api/grants", token, map[string]any{"content_id": "missing", "device_id": "device-a"})
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "GRANT_FORBIDDEN" {
		t.Fatalf("no entitlement: status=%d payload=%v", resp.StatusCode, payload)
	}
}

func TestSegmentsEndpoint(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)
	token := env.userToken(t, "u1")

	resp, payload := env.do(t, http.MethodGet, "/api/contents/c1/segments", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d payload=%v", resp.StatusCode, payload)
	}
	segments, ok := payload["segments"].([]any)
	if !ok || len(segments) != 3 {
		t.Fatalf("segments = %v, want 3 entries", payload["segments"])
	}
	if total, _ := payload["total_pages"].(float64); int(total) != 120 {
		t.Fatalf("total_pages = %v, want 120", payload["total_pages"])
	}
}

func TestProgressEndpoints(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)
	token := env.userToken(t, "u1")

	resp, payload := env.do(t, http.MethodGet, "/api/contents/c1/progress", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status=%d", resp.StatusCode)
	}
	if page, _ := payload["currentPage"].(float64); int(page) != 1 {
		t.Fatalf("default page = %v, want 1", payload["currentPage"])
	}

	resp, payload = env.do(t, http.MethodPut, "/api/contents/c1/progress", token, map[string]any{"current_page": 0, "total_pages": 120})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "PROGRESS_INVALID_PAGE" {
		t.Fatalf("invalid page: status=%d payload=%v", resp.StatusCode, payload)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/contents/c1/progress", token, map[string]any{"current_page": 87, "total_pages": 120})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: status=%d", resp.StatusCode)
	}

	resp, payload = env.do(t, http.MethodGet, "/api/contents/c1/progress", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after put: status=%d", resp.StatusCode)
	}
	if page, _ := payload["currentPage"].(float64); int(page) != 87 {
		t.Fatalf("saved page = %v, want 87", payload["currentPage"])
	}
}

func TestDeviceClaimConflictFlow(t *testing.T) {
	env := newServerEnv(t, 0)
	env.seed(t)
	token := env.userToken(t, "u1")

	resp, _ := env.do(t, http.MethodPost, "/api/devices/claim", token, map[string]any{
		"device_id": "device-a", "device_info": map[string]string{"platform": "android", "model": "Pixel 8"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first claim: status=%d", resp.StatusCode)
	}

	resp, payload := env.do(t, http.MethodPost, "/api/devices/claim", token, map[string]any{
		"device_id": "device-b", "device_info": map[string]string{"platform": "ios", "model": "iPad Air"},
	})
	if resp.StatusCode != http.StatusConflict || payload["code"] != "DEVICE_CONFLICT" {
		t.Fatalf("conflict: status=%d payload=%v", resp.StatusCode, payload)
	}
	active, ok := payload["active_device"].(map[string]any)
	if !ok || active["model"] != "Pixel 8" {
		t.Fatalf("active_device = %v, want Pixel 8", payload["active_device"])
	}

	resp, _ = env.do(t, http.MethodPost, "/api/devices/claim", token, map[string]any{
		"device_id": "device-b", "device_info": map[string]string{"platform": "ios", "model": "iPad Air"}, "takeover": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("takeover: status=%d", resp.StatusCode)
	}

	resp, payload = env.do(t, http.MethodPost, "/api/grants", token, map[string]any{"content_id": "c1", "device_id": "device-a"})
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "DEVICE_MISMATCH" {
		t.Fatalf("superseded device: status=%d payload=%v", resp.StatusCode, payload)
	}
}

func TestInternalContentRegistration(t *testing.T) {
	env := newServerEnv(t, 0)
	body := map[string]any{
		"title": "Uploaded Title", "total_pages": 80, "active": true, "storage_key": "docs/c9.pdf",
		"segments": []map[string]any{
			{"segment_index": 0, "start_page": 1, "end_page": 40, "file_path": "segments/c9-0.pdf"},
			{"segment_index": 1, "start_page": 41, "end_page": 80, "file_path": "segments/c9-1.pdf"},
		},
	}

	resp, payload := env.do(t, http.MethodPut, "/internal/contents/c9", "", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d payload=%v", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, http.MethodPut, "/internal/contents/c9", env.userToken(t, "u1"), body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("user token on internal route: status=%d payload=%v", resp.StatusCode, payload)
	}

	internalToken := env.internalToken(t)
	resp, payload = env.do(t, http.MethodPut, "/internal/contents/c9", internalToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("internal registration: status=%d payload=%v", resp.StatusCode, payload)
	}

	content, ok, err := env.store.GetContent("c9")
	if err != nil || !ok {
		t.Fatalf("content not stored: ok=%v err=%v", ok, err)
	}
	if content.TotalPages != 80 || !content.Active {
		t.Fatalf("stored content = %+v", content)
	}

	// Gapped directory is rejected before anything is stored.
	badBody := map[string]any{
		"title": "Broken", "total_pages": 80, "active": true, "storage_key": "docs/bad.pdf",
		"segments": []map[string]any{
			{"segment_index": 0, "start_page": 1, "end_page": 40, "file_path": "segments/bad-0.pdf"},
			{"segment_index": 1, "start_page": 50, "end_page": 80, "file_path": "segments/bad-1.pdf"},
		},
	}
	resp, payload = env.do(t, http.MethodPut, "/internal/contents/bad", internalToken, badBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("gapped directory: status=%d payload=%v", resp.StatusCode, payload)
	}
	if _, ok, _ := env.store.GetContent("bad"); ok {
		t.Fatal("rejected content must not be stored")
	}
}

func TestGrantRateLimit(t *testing.T) {
	env := newServerEnv(t, 2)
	env.seed(t)
	token := env.userToken(t, "u1")

	body := map[string]any{"content_id": "c1", "segment_index": 0, "device_id": "device-a"}
	for i := 0; i < 2; i++ {
		resp, payload := env.do(t, http.MethodPost, "/api/grants", token, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status=%d payload=%v", i, resp.StatusCode, payload)
		}
	}
	resp, payload := env.do(t, http.MethodPost, "/api/grants", token, body)
	if resp.StatusCode != http.StatusTooManyRequests || payload["code"] != "RATE_LIMITED" {
		t.Fatalf("third request: status=%d payload=%v", resp.StatusCode, payload)
	}
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, 0)
	resp, payload := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz: status=%d payload=%v", resp.StatusCode, payload)
	}
}

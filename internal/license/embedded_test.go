package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hedgeedge/copier/pkg/secretstore"
)

// licenseServer 模拟许可服务，按路径计数
type licenseServer struct {
	mu          sync.Mutex
	validates   int
	heartbeats  int
	deactivates int
	valid       bool
	token       string
}

func (s *licenseServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/license/validate":
			s.validates++
			json.NewEncoder(w).Encode(Result{Valid: s.valid, Token: s.token, TTLSeconds: 60, Message: "ok"})
		case "/v1/license/heartbeat":
			s.heartbeats++
			json.NewEncoder(w).Encode(map[string]any{"valid": s.valid, "newToken": s.token + "-renewed", "ttlSeconds": 60})
		case "/v1/license/deactivate":
			s.deactivates++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (s *licenseServer) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validates, s.heartbeats, s.deactivates
}

func newEmbeddedForTest(t *testing.T, baseURL string) *EmbeddedValidator {
	t.Helper()
	store, err := secretstore.Open(secretstore.OpenOptions{Path: filepath.Join(t.TempDir(), "license")})
	if err != nil {
		t.Fatalf("打开缓存库失败: %v", err)
	}
	return NewEmbedded(NewRemote(RemoteConfig{BaseURL: baseURL}), store, 0)
}

func TestEmbedded_CacheShortCircuits(t *testing.T) {
	backend := &licenseServer{valid: true, token: "tok-1"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	v := newEmbeddedForTest(t, srv.URL)
	defer v.Close()
	req := Request{LicenseKey: "key-1", DeviceID: "dev-1"}

	r1, err := v.Validate(context.Background(), req)
	if err != nil || !r1.Valid || r1.Token != "tok-1" {
		t.Fatalf("首次校验: r=%+v err=%v", r1, err)
	}

	// 第二次命中缓存，不出网
	r2, err := v.Validate(context.Background(), req)
	if err != nil || !r2.Valid || r2.Token != "tok-1" {
		t.Fatalf("缓存校验: r=%+v err=%v", r2, err)
	}
	if n, _, _ := backend.counts(); n != 1 {
		t.Fatalf("validates=%d, want 1", n)
	}

	// 不同设备不共享缓存
	if _, err := v.Validate(context.Background(), Request{LicenseKey: "key-1", DeviceID: "dev-2"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n, _, _ := backend.counts(); n != 2 {
		t.Fatalf("validates=%d, want 2", n)
	}
}

func TestEmbedded_DeactivateClearsCache(t *testing.T) {
	backend := &licenseServer{valid: true, token: "tok-1"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	v := newEmbeddedForTest(t, srv.URL)
	defer v.Close()
	req := Request{LicenseKey: "key-1", DeviceID: "dev-1"}

	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := v.Deactivate(context.Background(), req); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, _, n := backend.counts(); n != 1 {
		t.Fatalf("deactivates=%d, want 1", n)
	}

	// 缓存已清：再次校验必须重新出网
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n, _, _ := backend.counts(); n != 2 {
		t.Fatalf("validates=%d, want 2", n)
	}
}

func TestEmbedded_HeartbeatRefreshesCache(t *testing.T) {
	backend := &licenseServer{valid: true, token: "tok-1"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	v := newEmbeddedForTest(t, srv.URL)
	defer v.Close()
	req := Request{LicenseKey: "key-1", DeviceID: "dev-1"}

	r, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	hb, err := v.Heartbeat(context.Background(), r.Token, req.DeviceID)
	if err != nil || !hb.Valid {
		t.Fatalf("heartbeat: r=%+v err=%v", hb, err)
	}
	if hb.Token != "tok-1-renewed" {
		t.Fatalf("应拿到续期令牌: %s", hb.Token)
	}

	// 缓存被心跳刷新成新令牌
	if token, ok := v.CachedToken(req); !ok || token != "tok-1-renewed" {
		t.Fatalf("缓存=%q, %v", token, ok)
	}
}

func TestEmbedded_RejectionNotCached(t *testing.T) {
	backend := &licenseServer{valid: false, token: ""}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	v := newEmbeddedForTest(t, srv.URL)
	defer v.Close()
	req := Request{LicenseKey: "key-1", DeviceID: "dev-1"}

	r, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r.Valid {
		t.Fatalf("应被拒绝")
	}
	if _, ok := v.CachedToken(req); ok {
		t.Fatalf("拒绝结果不应进缓存")
	}
	// 再校验仍出网
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n, _, _ := backend.counts(); n != 2 {
		t.Fatalf("validates=%d, want 2", n)
	}
}

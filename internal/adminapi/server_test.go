package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"previewbot/internal/catalog"
	"previewbot/internal/failover"
	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

type fakeFailover struct {
	cfg      *storage.ChannelConfig
	syncErr  error
	started  int
	stopped  int
	switched []string
}

func (f *fakeFailover) Status(context.Context) (*storage.ChannelConfig, error) {
	if f.cfg == nil {
		return nil, failover.ErrNotConfigured
	}
	return f.cfg, nil
}

func (f *fakeFailover) Configure(_ context.Context, token string) (*storage.ChannelConfig, error) {
	if f.cfg != nil {
		return nil, failover.ErrAlreadyConfigured
	}
	f.cfg = &storage.ChannelConfig{
		BackupToken: token, BackupBotID: 42, BackupUsername: "bak",
		SyncStatus: storage.SyncPending,
	}
	return f.cfg, nil
}

func (f *fakeFailover) StartSync(context.Context) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.started++
	return nil
}

func (f *fakeFailover) StopSync() { f.stopped++ }

func (f *fakeFailover) ActivateBackup(context.Context) error {
	f.switched = append(f.switched, "backup")
	return nil
}

func (f *fakeFailover) ActivatePrimary(context.Context) error {
	f.switched = append(f.switched, "primary")
	return nil
}

func (f *fakeFailover) DeleteConfig(context.Context) error {
	if f.cfg == nil {
		return failover.ErrNotConfigured
	}
	if f.cfg.BackupActive {
		return failover.ErrBackupActive
	}
	f.cfg = nil
	return nil
}

const testToken = "admin-secret"

func newTestServer(t *testing.T, fo Failover) (*Server, *storage.Store) {
	t.Helper()
	st, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	srv, err := NewServer(Config{TokenHash: string(hash)},
		catalog.New(st, logx.Nop()), st, fo, logx.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st
}

func doReq(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &fakeFailover{})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"right token", testToken, http.StatusOK},
	}
	for _, tc := range tests {
		rec := doReq(t, srv, http.MethodGet, "/api/v1/catalogs", tc.token, nil)
		if rec.Code != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	// Health stays open for probes.
	if rec := doReq(t, srv, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health: got %d", rec.Code)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, &fakeFailover{})

	rec := doReq(t, srv, http.MethodPost, "/api/v1/catalogs", testToken, map[string]any{
		"code": "alpha", "name": "Alpha", "source_channel_id": -100123,
		"auto_collect": true, "active": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}

	// Duplicate code conflicts.
	rec = doReq(t, srv, http.MethodPost, "/api/v1/catalogs", testToken, map[string]any{"code": "alpha"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", rec.Code, rec.Body)
	}

	// Invalid code is a bad request.
	rec = doReq(t, srv, http.MethodPost, "/api/v1/catalogs", testToken, map[string]any{"code": "has space"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid code: %d %s", rec.Code, rec.Body)
	}

	rec = doReq(t, srv, http.MethodGet, "/api/v1/catalogs", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var catalogs []storage.Catalog
	if err := json.Unmarshal(rec.Body.Bytes(), &catalogs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(catalogs) != 1 || catalogs[0].Code != "alpha" {
		t.Fatalf("catalogs: %+v", catalogs)
	}

	// Cover flow against real rows.
	ctx := context.Background()
	item := &storage.ContentItem{CatalogCode: "alpha", Title: "x"}
	if err := st.CreateItem(ctx, item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	rec = doReq(t, srv, http.MethodPut, "/api/v1/catalogs/alpha/cover", testToken,
		map[string]any{"item_id": item.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set cover: %d %s", rec.Code, rec.Body)
	}

	rec = doReq(t, srv, http.MethodDelete, "/api/v1/catalogs/alpha", testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = doReq(t, srv, http.MethodDelete, "/api/v1/catalogs/alpha", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestBackupEndpoints(t *testing.T) {
	t.Parallel()
	fo := &fakeFailover{}
	srv, _ := newTestServer(t, fo)

	// Nothing configured yet.
	rec := doReq(t, srv, http.MethodGet, "/api/v1/backup", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty status: %d", rec.Code)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup", testToken, map[string]string{"token": "42:bk"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("configure: %d %s", rec.Code, rec.Body)
	}
	var view struct {
		BotID    int64  `json:"bot_id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.BotID != 42 || view.Username != "bak" {
		t.Fatalf("view: %+v", view)
	}

	// The stored token must never appear in responses.
	if bytes.Contains(rec.Body.Bytes(), []byte("42:bk")) {
		t.Fatalf("token leaked: %s", rec.Body)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup", testToken, map[string]string{"token": "42:bk"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reconfigure: %d", rec.Code)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup/sync", testToken, nil)
	if rec.Code != http.StatusAccepted || fo.started != 1 {
		t.Fatalf("sync start: %d started=%d", rec.Code, fo.started)
	}

	// A second start while running reports the in-flight status.
	fo.syncErr = failover.ErrSyncRunning
	fo.cfg.SyncStatus = storage.SyncRunning
	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup/sync", testToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(storage.SyncRunning)) {
		t.Fatalf("no status in conflict body: %s", rec.Body)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup/switch", testToken, map[string]string{"target": "backup"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("switch: %d %s", rec.Code, rec.Body)
	}
	rec = doReq(t, srv, http.MethodPost, "/api/v1/backup/switch", testToken, map[string]string{"target": "sideways"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad switch: %d", rec.Code)
	}

	fo.cfg.BackupActive = true
	rec = doReq(t, srv, http.MethodDelete, "/api/v1/backup", testToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete while active: %d", rec.Code)
	}
	fo.cfg.BackupActive = false
	rec = doReq(t, srv, http.MethodDelete, "/api/v1/backup", testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
}

func TestCreativeEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &fakeFailover{})

	rec := doReq(t, srv, http.MethodPost, "/api/v1/catalogs", testToken, map[string]any{
		"code": "alpha", "active": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("catalog: %d", rec.Code)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/creative-groups", testToken, map[string]string{"name": "house"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("group: %d %s", rec.Code, rec.Body)
	}
	var group struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &group); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doReq(t, srv, http.MethodPut, "/api/v1/catalogs/alpha/creative-groups/1", testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("bind: %d %s", rec.Code, rec.Body)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/creatives", testToken, map[string]any{
		"group_id": group.ID, "title": "Buy", "target_url": "https://example.com",
		"active": true,
		"media":  []map[string]string{{"kind": "image", "file_id": "f", "dedup_key": "d"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("creative: %d %s", rec.Code, rec.Body)
	}

	rec = doReq(t, srv, http.MethodPost, "/api/v1/creatives", testToken, map[string]any{"title": "no group"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid creative: %d", rec.Code)
	}

	rec = doReq(t, srv, http.MethodDelete, "/api/v1/creatives/1", testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete creative: %d %s", rec.Code, rec.Body)
	}
	rec = doReq(t, srv, http.MethodDelete, "/api/v1/creatives/1", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetwatch/anticheat-ingest/internal/config"
	"github.com/packetwatch/anticheat-ingest/internal/dispatch"
	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/id"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/service"
	"github.com/packetwatch/anticheat-ingest/internal/webhook"
)

// ---------------------------------------------------------------------
// In-memory repository fakes, just deep enough to run the HTTP surface.
// ---------------------------------------------------------------------

type memServerRepo struct {
	mu   sync.Mutex
	byID map[string]*models.Server
}

func newMemServerRepo() *memServerRepo {
	return &memServerRepo{byID: make(map[string]*models.Server)}
}

func (m *memServerRepo) GetByID(ctx context.Context, serverID string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memServerRepo) EnsureSeen(ctx context.Context, serverID, authTokenHash string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[serverID]
	if !ok {
		s = &models.Server{ServerID: serverID, AuthTokenHash: authTokenHash, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
		m.byID[serverID] = s
	} else {
		s.LastSeenAt = time.Now()
	}
	cp := *s
	return &cp, nil
}

func (m *memServerRepo) AdoptToken(ctx context.Context, serverID, authTokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[serverID]; ok && s.AuthTokenHash == "" {
		s.AuthTokenHash = authTokenHash
	}
	return nil
}

func (m *memServerRepo) Register(ctx context.Context, serverID, ownerUserID string) (*models.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	s.OwnerUserID, s.RegisteredAt = &ownerUserID, &now
	cp := *s
	return &cp, nil
}

func (m *memServerRepo) SetWebhook(ctx context.Context, serverID string, webhookURL *string, enabled bool, severityLevels []string) error {
	return nil
}

func (m *memServerRepo) UpdateContact(ctx context.Context, serverID string, callbackURL, platform *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[serverID]; ok {
		if callbackURL != nil {
			s.CallbackURL = callbackURL
		}
		if platform != nil {
			s.Platform = platform
		}
	}
	return nil
}

func (m *memServerRepo) List(ctx context.Context) ([]*models.Server, error) { return nil, nil }

var _ repository.ServerRepository = (*memServerRepo)(nil)

type memBatchRepo struct {
	mu   sync.Mutex
	rows []*models.BatchIndexRow
}

func (m *memBatchRepo) Insert(ctx context.Context, row *models.BatchIndexRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memBatchRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memBatchRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memBatchRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

var _ repository.BatchIndexRepository = (*memBatchRepo)(nil)

type memModuleRepo struct{}

func (memModuleRepo) ListForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error) {
	return nil, nil
}
func (memModuleRepo) ListEnabledForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error) {
	return nil, nil
}
func (memModuleRepo) CountForServer(ctx context.Context, serverID string) (int, error) {
	return len(models.Builtins), nil
}
func (memModuleRepo) Upsert(ctx context.Context, m *models.ServerModule) (*models.ServerModule, error) {
	return m, nil
}
func (memModuleRepo) DeleteLegacy(ctx context.Context, serverID string) error  { return nil }
func (memModuleRepo) SeedBuiltins(ctx context.Context, serverID string) error  { return nil }
func (memModuleRepo) RecordHealthcheck(ctx context.Context, moduleID int64, ok bool, errMsg *string) error {
	return nil
}
func (memModuleRepo) ListEnabled(ctx context.Context) ([]*models.ServerModule, error) {
	return nil, nil
}

var _ repository.ModuleRepository = memModuleRepo{}

type memPlayerRepo struct{}

func (memPlayerRepo) Upsert(ctx context.Context, p *models.Player) error { return nil }
func (memPlayerRepo) TouchServerPlayer(ctx context.Context, serverID, playerUUID string) error {
	return nil
}

var _ repository.PlayerRepository = memPlayerRepo{}

type memFindingRepo struct {
	mu     sync.Mutex
	groups []*models.Finding
}

func (m *memFindingRepo) RecordAggregated(ctx context.Context, groups []*models.Finding) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range groups {
		cp := *g
		m.groups = append(m.groups, &cp)
	}
	return len(groups), nil
}

func (m *memFindingRepo) Upsert(ctx context.Context, f *models.Finding) error { return nil }
func (m *memFindingRepo) ListForServer(ctx context.Context, serverID string, limit int) ([]*models.Finding, error) {
	return nil, nil
}

var _ repository.FindingRepository = (*memFindingRepo)(nil)

type memDispatchRepo struct{}

func (memDispatchRepo) Insert(ctx context.Context, d *models.DispatchRecord) error { return nil }
func (memDispatchRepo) ListForServer(ctx context.Context, serverID string, limit int) ([]*models.DispatchRecord, error) {
	return nil, nil
}

var _ repository.DispatchRepository = memDispatchRepo{}

type memObservationRepo struct{}

func (memObservationRepo) Insert(ctx context.Context, o *models.CheatObservation) error {
	o.ID = 1
	return nil
}

var _ repository.ObservationRepository = memObservationRepo{}

type memPlayerStateRepo struct{}

func (memPlayerStateRepo) Get(ctx context.Context, serverID, playerUUID, moduleName string) (*models.ModulePlayerState, error) {
	return nil, repository.ErrNotFound
}
func (memPlayerStateRepo) Set(ctx context.Context, state *models.ModulePlayerState) error {
	return nil
}
func (memPlayerStateRepo) BatchGet(ctx context.Context, serverID, moduleName string, playerUUIDs []string) ([]*models.ModulePlayerState, error) {
	return nil, nil
}
func (memPlayerStateRepo) BatchSet(ctx context.Context, states []*models.ModulePlayerState) error {
	return nil
}

var _ repository.PlayerStateRepository = memPlayerStateRepo{}

// ---------------------------------------------------------------------

type testEnv struct {
	router  http.Handler
	servers *memServerRepo
	batches *memBatchRepo
	store   *objectstore.LocalStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		IngestToken:         "ingest-secret",
		ModuleCallbackToken: "module-secret",
		DashboardToken:      "dash-secret",
		MaxBodyBytes:        10 * 1024 * 1024,
	}

	servers := newMemServerRepo()
	batches := &memBatchRepo{}
	modules := memModuleRepo{}
	store := objectstore.NewLocalStore(t.TempDir())

	dispatcher := dispatch.NewDispatcher(modules, memDispatchRepo{}, logger)
	gate := service.NewRegistrationGate(servers)
	ingest := service.NewIngestPipeline(batches, memPlayerRepo{}, modules, store, dispatcher, logger)

	findings := &memFindingRepo{}
	aggregator := service.NewAggregator(findings, servers, webhook.NewEmitter(logger), logger)

	h := New(Deps{
		Cfg: cfg, Servers: servers, Modules: modules, Batches: batches,
		Findings: findings, PlayerStates: memPlayerStateRepo{}, Dispatches: memDispatchRepo{},
		Observations: memObservationRepo{}, Gate: gate, Ingest: ingest, Aggregator: aggregator,
		Store: store, Logger: logger,
	})

	return &testEnv{router: h.Routes(), servers: servers, batches: batches, store: store}
}

func gzipOf(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandshakeFirstContactCreatesPendingServer(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodPost, "/handshake", nil)
	r.Header.Set("X-Server-Id", "s1")
	r.Header.Set("Authorization", "Bearer T")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "waiting_for_registration", body["status"])
	assert.Equal(t, "s1", body["server_id"])

	srv, err := env.servers.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, middleware.HashToken("T"), srv.AuthTokenHash)
	assert.Nil(t, srv.OwnerUserID)
}

func TestIngestBeforeRegistrationCreatesNoIndexRow(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(make([]byte, 100)))
	r.Header.Set("X-Server-Id", "s1")
	r.Header.Set("X-Session-Id", "sess1")
	r.Header.Set("Authorization", "Bearer T")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, env.batches.count(), "a gated ingest must not reserve an index row")
}

func TestIngestAfterRegistrationHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.servers.EnsureSeen(ctx, "s1", middleware.HashToken("T"))
	require.NoError(t, err)
	_, err = env.servers.Register(ctx, "s1", "owner-1")
	require.NoError(t, err)

	body := gzipOf(t, "{}\n")
	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	r.Header.Set("X-Server-Id", "s1")
	r.Header.Set("X-Session-Id", "sess1")
	r.Header.Set("Authorization", "Bearer T")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["ok"])

	batchID, _ := resp["batch_id"].(string)
	require.True(t, id.IsValid(batchID))
	key, _ := resp["s3_key"].(string)
	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, "events/s1/"+today+"/sess1/"+batchID+".ndjson.gz", key)

	rc, err := env.store.Get(ctx, key)
	require.NoError(t, err, "the returned key must exist as a blob")
	stored, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, body, stored)

	require.Equal(t, 1, env.batches.count())
	assert.Equal(t, int64(len(body)), env.batches.rows[0].PayloadBytes)
}

func TestIngestWrongTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.servers.EnsureSeen(ctx, "s1", middleware.HashToken("T"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader([]byte("x")))
	r.Header.Set("X-Server-Id", "s1")
	r.Header.Set("X-Session-Id", "sess1")
	r.Header.Set("Authorization", "Bearer WRONG")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestMissingIdentityHeadersIsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader([]byte("x")))
	r.Header.Set("Authorization", "Bearer T")
	r.Header.Set("X-Session-Id", "sess1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader([]byte("x")))
	r.Header.Set("Authorization", "Bearer T")
	r.Header.Set("X-Server-Id", "s1")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestOversizeBodyIsRejectedBeforeAuth(t *testing.T) {
	env := newTestEnv(t)

	big := make([]byte, 11*1024*1024)
	r := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(big))
	r.Header.Set("X-Server-Id", "s1")
	r.Header.Set("X-Session-Id", "sess1")
	// No Authorization at all: the size gate must fire first.
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, err := env.servers.GetByID(context.Background(), "s1")
	assert.Error(t, err, "an oversize request must not create a server row")
}

func TestFindingsCallbackRequiresModuleToken(t *testing.T) {
	env := newTestEnv(t)

	payload := `{"server_id":"s1","findings":[{"player_uuid":"p1","detector_name":"fly","severity":"low","title":"t"}]}`

	r := httptest.NewRequest(http.MethodPost, "/callbacks/findings", bytes.NewReader([]byte(payload)))
	r.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/callbacks/findings", bytes.NewReader([]byte(payload)))
	r.Header.Set("Authorization", "Bearer module-secret")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])
}

func TestModuleRoutesRequireIngestToken(t *testing.T) {
	env := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "/servers/s1/modules", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/servers/s1/modules", nil)
	r.Header.Set("Authorization", "Bearer ingest-secret")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

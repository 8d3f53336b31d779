package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// fakeServerRepository is an in-memory stand-in for
// repository.ServerRepository, enough to exercise RegistrationGate without
// a database.
type fakeServerRepository struct {
	byID              map[string]*models.Server
	ensureSeenCalls   int
	updateContactArgs []struct{ callbackURL, platform *string }
}

func newFakeServerRepository() *fakeServerRepository {
	return &fakeServerRepository{byID: make(map[string]*models.Server)}
}

func (f *fakeServerRepository) GetByID(ctx context.Context, serverID string) (*models.Server, error) {
	s, ok := f.byID[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServerRepository) EnsureSeen(ctx context.Context, serverID, authTokenHash string) (*models.Server, error) {
	f.ensureSeenCalls++
	s, ok := f.byID[serverID]
	if !ok {
		s = &models.Server{ServerID: serverID, AuthTokenHash: authTokenHash, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
		f.byID[serverID] = s
	} else {
		s.LastSeenAt = time.Now()
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServerRepository) AdoptToken(ctx context.Context, serverID, authTokenHash string) error {
	s, ok := f.byID[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.AuthTokenHash == "" {
		s.AuthTokenHash = authTokenHash
	}
	return nil
}

func (f *fakeServerRepository) Register(ctx context.Context, serverID, ownerUserID string) (*models.Server, error) {
	s, ok := f.byID[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	s.OwnerUserID, s.RegisteredAt = &ownerUserID, &now
	cp := *s
	return &cp, nil
}

func (f *fakeServerRepository) SetWebhook(ctx context.Context, serverID string, webhookURL *string, enabled bool, severityLevels []string) error {
	s, ok := f.byID[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	s.WebhookURL, s.WebhookEnabled, s.WebhookSeverityLevels = webhookURL, enabled, severityLevels
	return nil
}

func (f *fakeServerRepository) UpdateContact(ctx context.Context, serverID string, callbackURL, platform *string) error {
	f.updateContactArgs = append(f.updateContactArgs, struct{ callbackURL, platform *string }{callbackURL, platform})
	s, ok := f.byID[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	if callbackURL != nil {
		s.CallbackURL = callbackURL
	}
	if platform != nil {
		s.Platform = platform
	}
	return nil
}

func (f *fakeServerRepository) List(ctx context.Context) ([]*models.Server, error) {
	var out []*models.Server
	for _, s := range f.byID {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

var _ repository.ServerRepository = (*fakeServerRepository)(nil)

func TestRegistrationGateFirstContactIsPending(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)

	err := gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil)
	require.Error(t, err)

	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindPendingRegistration, apiErr.Kind)
	assert.Equal(t, "srv-1", apiErr.ServerID)

	srv, getErr := repo.GetByID(context.Background(), "srv-1")
	require.NoError(t, getErr)
	assert.Equal(t, "hash-a", srv.AuthTokenHash)
	assert.False(t, srv.IsRegistered())
}

func TestRegistrationGateWrongTokenIsUnauthorized(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)
	require.Error(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))

	err := gate.Authenticate(context.Background(), "srv-1", "hash-b", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUnauthorized, apiErr.Kind)
}

func TestRegistrationGateWrongTokenNeverTouchesLastSeenOrContact(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)
	require.Error(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))

	callsBefore := repo.ensureSeenCalls
	addr := "1.2.3.4:25565"
	err := gate.Authenticate(context.Background(), "srv-1", "wrong-hash", &addr, nil)
	require.Error(t, err)

	assert.Equal(t, callsBefore, repo.ensureSeenCalls, "a failed token check must not advance last_seen_at")
	srv, _ := repo.GetByID(context.Background(), "srv-1")
	assert.Nil(t, srv.CallbackURL, "a failed token check must not leak callback_url from an unauthenticated caller")
}

func TestRegistrationGateCorrectTokenStillPendingUntilRegistered(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)
	require.Error(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))

	err := gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindPendingRegistration, apiErr.Kind)
}

func TestRegistrationGateAdoptsFirstTokenForTokenlessRow(t *testing.T) {
	repo := newFakeServerRepository()
	// A row created out-of-band (dashboard pre-linking) has no token hash.
	repo.byID["srv-1"] = &models.Server{ServerID: "srv-1", FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
	_, err := repo.Register(context.Background(), "srv-1", "owner-1")
	require.NoError(t, err)

	gate := NewRegistrationGate(repo)
	require.NoError(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))

	srv, _ := repo.GetByID(context.Background(), "srv-1")
	assert.Equal(t, "hash-a", srv.AuthTokenHash, "the first presented token becomes the server's token")

	err = gate.Authenticate(context.Background(), "srv-1", "hash-b", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindUnauthorized, apiErr.Kind, "a different token after adoption is rejected")
}

func TestRegistrationGateRegisteredServerPassesThrough(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)
	require.Error(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))
	_, err := repo.Register(context.Background(), "srv-1", "owner-1")
	require.NoError(t, err)

	assert.NoError(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))
}

func TestRegistrationGateUpdatesContactOnlyAfterSuccessfulAuth(t *testing.T) {
	repo := newFakeServerRepository()
	gate := NewRegistrationGate(repo)
	require.Error(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", nil, nil))
	_, err := repo.Register(context.Background(), "srv-1", "owner-1")
	require.NoError(t, err)

	addr := "5.6.7.8:25565"
	platform := "paper"
	require.NoError(t, gate.Authenticate(context.Background(), "srv-1", "hash-a", &addr, &platform))

	srv, _ := repo.GetByID(context.Background(), "srv-1")
	require.NotNil(t, srv.CallbackURL)
	assert.Equal(t, addr, *srv.CallbackURL)
	require.NotNil(t, srv.Platform)
	assert.Equal(t, platform, *srv.Platform)
}

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

func newTestJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	es, err := natsstore.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)

	require.NoError(t, es.SetupGatewayStores(context.Background()))
	return es.JetStream()
}

func newTestRegistry(t *testing.T, js jetstream.JetStream) *Registry {
	t.Helper()

	registry, err := NewRegistry(context.Background(), js, "test-secret", 30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, registry.SeedClients(context.Background(), map[string]string{
		"client-001": "secret-001",
		"client-002": "secret-002",
	}))
	return registry
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)
	ctx := context.Background()

	session, err := registry.Authenticate(ctx, "client-002", "secret-002", "hospital-main")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, int((30 * time.Minute).Seconds()), session.ExpiresIn)

	clientID, err := registry.VerifyToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "client-002", clientID)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)
	ctx := context.Background()

	_, err := registry.Authenticate(ctx, "client-002", "wrong-secret", "hospital-main")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = registry.Authenticate(ctx, "no-such-client", "secret-001", "hospital-main")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)

	_, err := registry.VerifyToken("not-a-token")
	assert.Error(t, err)
}

func TestRegisterSeedsServicesOnce(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)
	ctx := context.Background()

	reg, err := registry.Register(ctx, "hip-002", "HIP", "Metro Hospital", "http://localhost:8081/webhook/receive")
	require.NoError(t, err)
	require.Len(t, reg.Services, 2)
	assert.Equal(t, "hip-002-svc-1", reg.Services[0].ID)
	assert.True(t, reg.Services[0].Active)

	// Re-registering updates mutable fields without duplicating the entry
	// or re-seeding the catalogue.
	updated, err := registry.Register(ctx, "hip-002", "", "", "http://localhost:9000/webhook/receive")
	require.NoError(t, err)
	assert.Equal(t, "HIP", updated.Role)
	assert.Equal(t, "Metro Hospital", updated.Name)
	assert.Equal(t, "http://localhost:9000/webhook/receive", updated.CallbackURL)
	assert.Len(t, updated.Services, 2)

	all, err := registry.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestServicesAndAddService(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)
	ctx := context.Background()

	_, err := registry.Services(ctx, "missing-bridge")
	assert.ErrorIs(t, err, ErrBridgeNotFound)

	_, err = registry.Register(ctx, "hip-001", "HIP", "City Hospital", "")
	require.NoError(t, err)

	svc, err := registry.AddService(ctx, "hip-001", db.BridgeService{Name: "Radiology"})
	require.NoError(t, err)
	assert.Equal(t, "hip-001-svc-3", svc.ID)
	assert.Equal(t, "v1", svc.Version)

	services, err := registry.Services(ctx, "hip-001")
	require.NoError(t, err)
	assert.Len(t, services, 3)
}

func TestUpdateURLUnknownBridge(t *testing.T) {
	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)

	_, err := registry.UpdateURL(context.Background(), "ghost", "http://localhost:1234")
	assert.ErrorIs(t, err, ErrBridgeNotFound)
}

package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconsafe/sentinel/config"
	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/identitystore"
)

type memoryIdentityStore struct {
	mu       sync.Mutex
	identity identitystore.Identity
	saved    bool
}

func (s *memoryIdentityStore) Load(context.Context) (identitystore.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return identitystore.Identity{}, errs.New("identitystore", errs.CodeNotFound,
			errs.WithMessage("hub has not been paired"))
	}
	return s.identity, nil
}

func (s *memoryIdentityStore) Save(_ context.Context, identity identitystore.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.saved = true
	return nil
}

func TestParsePairingState(t *testing.T) {
	cases := map[string]PairingState{
		"pending":  StatePending,
		"PAIRED":   StatePaired,
		" expired": StateExpired,
		"error":    StateError,
		"revoked":  StateError,
		"":         StateError,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParsePairingState(raw), "raw=%q", raw)
	}
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatePending, StatePaired))
	require.True(t, CanTransition(StatePending, StateExpired))
	require.True(t, CanTransition(StatePending, StatePending))
	require.False(t, CanTransition(StatePaired, StatePending))
	require.False(t, CanTransition(StateExpired, StatePaired))
	require.False(t, CanTransition(StateError, StatePending))
}

func TestEnsurePairedUsesPersistedIdentity(t *testing.T) {
	store := &memoryIdentityStore{}
	require.NoError(t, store.Save(context.Background(), identitystore.Identity{
		HubID:    "hub-42",
		Token:    "stored-token",
		PairedAt: time.Now().UTC(),
	}))

	client := NewClient(config.RemoteConfig{
		BaseURL:              "http://unused.invalid",
		RequestTimeout:       time.Second,
		RatePerSecond:        1000,
		Burst:                1000,
		AuthFailureThreshold: 5,
	})
	pairer := NewPairer(client, store, "lobby-hub")

	require.NoError(t, pairer.EnsurePaired(context.Background()))
	require.Equal(t, "hub-42", client.Credentials().HubID)
	require.Equal(t, "stored-token", client.Credentials().Token)
}

func TestEnsurePairedCompletesHandshake(t *testing.T) {
	var (
		mu    sync.Mutex
		polls int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pairing/request":
			_, _ = w.Write([]byte(`{"request_id":"req-1","code":"482913","expires_at":"2026-08-28T12:00:00Z"}`))
		case "/pairing/req-1/status":
			mu.Lock()
			polls++
			current := polls
			mu.Unlock()
			if current < 2 {
				_, _ = w.Write([]byte(`{"status":"pending"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"paired","hub_id":"hub-9","token":"issued-token"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(config.RemoteConfig{
		BaseURL:              server.URL,
		RequestTimeout:       5 * time.Second,
		RatePerSecond:        1000,
		Burst:                1000,
		AuthFailureThreshold: 5,
	})
	store := &memoryIdentityStore{}
	pairer := NewPairer(client, store, "lobby-hub")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pairer.EnsurePaired(ctx))

	require.Equal(t, "hub-9", client.Credentials().HubID)
	require.Equal(t, "issued-token", client.Credentials().Token)

	identity, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "hub-9", identity.HubID)
	require.False(t, identity.PairedAt.IsZero())
}

func TestEnsurePairedRejectsPairedResponseWithoutCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pairing/request":
			_, _ = w.Write([]byte(`{"request_id":"req-2","code":"111111"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"paired"}`))
		}
	}))
	defer server.Close()

	client := NewClient(config.RemoteConfig{
		BaseURL:              server.URL,
		RequestTimeout:       5 * time.Second,
		RatePerSecond:        1000,
		Burst:                1000,
		AuthFailureThreshold: 5,
	})
	pairer := NewPairer(client, &memoryIdentityStore{}, "lobby-hub")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := pairer.EnsurePaired(ctx)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeRemote, code)
}

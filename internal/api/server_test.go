package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/mesh"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	store := keystore.NewMemoryStore()
	require.NoError(t, store.Store(keystore.Device{
		DevEUI: lorawan.EUI64{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11},
	}))

	return NewServer(
		Config{Listen: "127.0.0.1:0", JWTSecret: "test-secret"},
		store,
		func() Status { return Status{GatewayID: "field-gw-01", State: "joined", Routes: 2} },
		func() []mesh.Entry {
			return []mesh.Entry{{Source: lorawan.DevAddrFromUint32(1), HopCount: 1}}
		},
		zerolog.Nop(),
	)
}

func get(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzUnauthenticated(t *testing.T) {
	rec := get(t, testServer(t), "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusRequiresToken(t *testing.T) {
	s := testServer(t)

	rec := get(t, s, "/api/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, s, "/api/status", "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := IssueToken("other-secret", time.Minute)
	require.NoError(t, err)
	rec = get(t, s, "/api/status", wrong)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusWithValidToken(t *testing.T) {
	s := testServer(t)
	token, err := IssueToken("test-secret", time.Minute)
	require.NoError(t, err)

	rec := get(t, s, "/api/status", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "field-gw-01", got.GatewayID)
	require.Equal(t, "joined", got.State)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := testServer(t)
	token, err := IssueToken("test-secret", -time.Minute)
	require.NoError(t, err)

	rec := get(t, s, "/api/status", token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDevicesListsWithoutKeys(t *testing.T) {
	s := testServer(t)
	token, err := IssueToken("test-secret", time.Minute)
	require.NoError(t, err)

	rec := get(t, s, "/api/devices", token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "1111111111111111")
	require.NotContains(t, rec.Body.String(), "appKey", "root keys never leave the store")
}

func TestRoutes(t *testing.T) {
	s := testServer(t)
	token, err := IssueToken("test-secret", time.Minute)
	require.NoError(t, err)

	rec := get(t, s, "/api/routes", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []mesh.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"catalogsync/config"
	"catalogsync/internal/app"
	"catalogsync/internal/catalog"
	"catalogsync/internal/catalog/catalogtest"
	"catalogsync/internal/handlers/middleware"
	"catalogsync/internal/models"
	"catalogsync/internal/services"
	"catalogsync/internal/store"
	"catalogsync/internal/types"
	"catalogsync/internal/websockets"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "handler-test-key"

type testServer struct {
	fiber  *fiber.App
	fake   *catalogtest.Fake
	source *store.MemorySource
	token  string
}

func setupServer(t *testing.T, seed ...models.Entity) *testServer {
	t.Helper()

	source := store.NewMemorySource(seed...)
	set := store.New(source)
	t.Cleanup(set.Close)

	fake := catalogtest.NewFake()
	reconciler := services.NewReconcilerService(fake)
	tokens := services.NewTokenService(testSigningKey)

	manager, err := websockets.New(nil, tokens)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	cfg := config.Config{GeneralVersion: "test", APISigningKey: testSigningKey}
	application := &app.App{
		Config:     cfg,
		Middleware: middleware.New(cfg, tokens),
		Websocket:  manager,
		Services: services.Service{
			Store:      set,
			Reconciler: reconciler,
			Catalog:    services.NewCatalogService(set, reconciler),
			Sync:       services.NewSyncService(set, reconciler, nil, nil),
			Scheduler:  services.NewSchedulerService(),
			Token:      tokens,
		},
	}

	server := fiber.New()
	require.NoError(t, Router(server, application))

	token, err := tokens.Issue("handler-test", time.Hour)
	require.NoError(t, err)

	return &testServer{fiber: server, fake: fake, source: source, token: token}
}

func (s *testServer) do(t *testing.T, method, target, body string, authenticated bool) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if authenticated {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+s.token)
	}

	resp, err := s.fiber.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

func TestRouter_Health(t *testing.T) {
	server := setupServer(t)

	status, body := server.do(t, http.MethodGet, "/api/health", "", false)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", body["version"])
}

func TestRouter_TraceIDEchoed(t *testing.T) {
	server := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(middleware.TraceIDHeader, "trace-123")
	resp, err := server.fiber.Test(req)
	require.NoError(t, err)

	assert.Equal(t, "trace-123", resp.Header.Get(middleware.TraceIDHeader))
}

func TestRouter_RequiresToken(t *testing.T) {
	server := setupServer(t)

	status, _ := server.do(t, http.MethodGet, "/api/catalog/artist?keys=r1", "", false)
	assert.Equal(t, http.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/api/catalog/artist?keys=r1", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer not-a-token")
	resp, err := server.fiber.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCatalogHandler_LookupThenGet(t *testing.T) {
	server := setupServer(t, models.NewArtist("r1", "Radiohead"))
	server.fake.Add(catalog.Bundle{Key: "r2", Name: "Portishead"})

	status, body := server.do(t, http.MethodGet, "/api/catalog/artists?keys=r1,%20r2", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["existing"], "r1")
	assert.Contains(t, body["created"], "r2")

	status, body = server.do(t, http.MethodGet, "/api/catalog/artist/r2", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Portishead", body["name"])
	assert.Equal(t, 2, server.source.Len())
}

func TestCatalogHandler_BadRequests(t *testing.T) {
	server := setupServer(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{name: "unknown kind", target: "/api/catalog/genre?keys=g1", status: http.StatusBadRequest},
		{name: "rankings are not keyed", target: "/api/catalog/rankings?keys=x", status: http.StatusBadRequest},
		{name: "no keys", target: "/api/catalog/album?keys=,", status: http.StatusBadRequest},
		{name: "missing entity", target: "/api/catalog/album/a404", status: http.StatusNotFound},
		{name: "missing album rankings", target: "/api/albums/a404/rankings", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := server.do(t, http.MethodGet, tt.target, "", true)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCatalogHandler_TransportErrorMapsToBadGateway(t *testing.T) {
	server := setupServer(t)
	server.fake.FailWith(types.NewTransportError(nil, "catalog unavailable"))

	status, body := server.do(t, http.MethodGet, "/api/catalog/album?keys=a1", "", true)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "TRANSPORT_ERROR", body["code"])
}

func TestSyncHandler_HeavyRotation(t *testing.T) {
	server := setupServer(t)
	server.fake.SetHeavyRotation(
		catalog.Bundle{Key: "a1", Name: "Kid A", Rank: 1},
		catalog.Bundle{Key: "a2", Name: "Dummy", Rank: 2},
	)

	status, body := server.do(t, http.MethodPost, "/api/sync/heavy-rotation", "", true)

	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["created"])

	status, body = server.do(t, http.MethodGet, "/api/albums/a1/rankings", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["rankings"], 1)
}

func TestSyncHandler_Refresh(t *testing.T) {
	server := setupServer(t, models.NewArtist("r1", "Radiohed"))
	server.fake.Add(catalog.Bundle{Key: "r1", Name: "Radiohead"})

	status, _ := server.do(t, http.MethodPost, "/api/sync/refresh", `{"keys":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = server.do(t, http.MethodPost, "/api/sync/refresh", `{"keys":["r1"]}`, true)
	require.Equal(t, http.StatusOK, status)

	status, body := server.do(t, http.MethodGet, "/api/catalog/artist/r1", "", true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Radiohead", body["name"])
}

func TestSyncHandler_StatusAndJobs(t *testing.T) {
	server := setupServer(t)

	status, _ := server.do(t, http.MethodGet, "/api/sync/unknown/status", "", true)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := server.do(t, http.MethodGet, "/api/sync/heavy_rotation/status", "", true)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["running"])

	status, _ = server.do(t, http.MethodPost, "/api/jobs/missing/trigger", "", true)
	assert.Equal(t, http.StatusNotFound, status)
}

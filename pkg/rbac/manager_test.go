package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/cache"
)

func TestManager_Lifecycle(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  view_post: [member]\n"), 0o600))

	roleCache := cache.NewTiered(cache.NewTier[Resolution]("memory", cache.NewMemoryBackend(10, time.Hour), time.Minute), nil)
	cfg := DefaultConfig()
	cfg.AutoMigrate = false
	cfg.CapabilitiesFile = path
	cfg.WatchCapabilities = true
	cfg.ConsistencySchedule = "@every 1h"

	m := NewManager(db, roleCache, nil, nil, nil, cfg)
	require.NoError(t, m.Initialize(context.Background()))

	guest := RoleGuest
	assert.False(t, m.Evaluator().HasCapability(&guest, CapViewPost), "file overrides the default table")
	assert.NotNil(t, m.Store())
	assert.NotNil(t, m.Resolver())
	assert.NotNil(t, m.Admin())
	assert.NotNil(t, m.Middleware())

	router := mux.NewRouter()
	m.RegisterRoutes(router)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Close(ctx))
}

func TestManager_InvalidCapabilitiesFile(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	roleCache := cache.NewTiered(cache.NewTier[Resolution]("memory", cache.NewMemoryBackend(10, time.Hour), time.Minute), nil)
	cfg := DefaultConfig()
	cfg.AutoMigrate = false
	cfg.CapabilitiesFile = filepath.Join(t.TempDir(), "missing.yaml")

	m := NewManager(db, roleCache, nil, nil, nil, cfg)
	assert.Error(t, m.Initialize(context.Background()))
	assert.NoError(t, m.Close(context.Background()))
}

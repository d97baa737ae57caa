package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latisnere77/SuplementIA-sub012/pkg/cache"
	"github.com/latisnere77/SuplementIA-sub012/pkg/compat"
	"github.com/latisnere77/SuplementIA-sub012/pkg/discovery"
	"github.com/latisnere77/SuplementIA-sub012/pkg/embed"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/resolver"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

const testDims = 16

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *index.Store
	queue    *discovery.Queue
	embedder embed.Embedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := index.OpenInMemory(testDims)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := discovery.NewQueue(discovery.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	embedder := embed.NewLocal(&embed.Config{Provider: "local", Dimensions: testDims})

	r := resolver.New(resolver.Config{
		Caches:   cache.NewTiered(cache.NewMemoryTier(100, time.Hour)),
		Store:    store,
		Embedder: embedder,
		Queue:    q,
	})

	srv, err := New(Deps{
		Shim:     compat.NewShim(r, nil),
		Resolver: r,
		Store:    store,
		Queue:    q,
	}, nil)
	require.NoError(t, err)

	return &testEnv{
		server:   srv,
		handler:  srv.buildRouter(),
		store:    store,
		queue:    q,
		embedder: embedder,
	}
}

func (e *testEnv) seed(t *testing.T, name string) *supplement.Supplement {
	t.Helper()
	vec, err := e.embedder.Embed(context.Background(), supplement.NormalizeQuery(name))
	require.NoError(t, err)
	rec, err := supplement.NewSupplement(&supplement.Input{Name: name, Vector: vec})
	require.NoError(t, err)
	require.NoError(t, e.store.Insert(context.Background(), rec))
	return rec
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seed(t, "Vitamin C")

	t.Run("hit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/search?q=vitamin+c", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp compat.Response
		decode(t, rec, &resp)
		assert.Equal(t, seeded.ID, resp.Supplement.ID)
		assert.False(t, resp.UsedFallback)
	})

	t.Run("invalid input", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/search?q=", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown query reports pending discovery", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/search?q=unknown+herb", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		var body map[string]interface{}
		decode(t, rec, &body)
		assert.Equal(t, "queued for discovery", body["detail"])
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/search?q=vitamin+c", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestSupplementEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var created supplement.Supplement
	t.Run("create", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/supplements", supplement.Input{Name: "Creatine"})
		require.Equal(t, http.StatusCreated, rec.Code)
		decode(t, rec, &created)
		assert.NotEmpty(t, created.ID)
		assert.Len(t, created.Vector, testDims)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/supplements", supplement.Input{Name: "  CREATINE "})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("get by id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/supplements/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got supplement.Supplement
		decode(t, rec, &got)
		assert.Equal(t, "Creatine", got.Name)
	})

	t.Run("patch", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/supplements/"+created.ID,
			supplement.Input{ScientificName: "Creatine monohydrate"})
		require.Equal(t, http.StatusOK, rec.Code)

		var got supplement.Supplement
		decode(t, rec, &got)
		assert.Equal(t, "Creatine monohydrate", got.ScientificName)
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/supplements/no-such-id", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/supplements/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/supplements/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestInvalidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "Iron")

	// Warm the cache.
	rec := env.do(t, http.MethodGet, "/search?q=iron", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("by query", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/invalidate", InvalidateRequest{Query: "iron"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid query", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/invalidate", InvalidateRequest{Query: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty request", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/invalidate", InvalidateRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDiscoveryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	item, err := env.queue.Enqueue(ctx, "mystery powder")
	require.NoError(t, err)

	t.Run("stats", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/discovery/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Queue discovery.QueueStats `json:"queue"`
		}
		decode(t, rec, &body)
		assert.Equal(t, 1, body.Queue.Pending)
	})

	t.Run("item by id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/discovery/items/"+item.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got discovery.Item
		decode(t, rec, &got)
		assert.Equal(t, discovery.StatusPending, got.Status)
	})

	t.Run("unknown item", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/discovery/items/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "Calcium")

	t.Run("health", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		decode(t, rec, &body)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("status", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		decode(t, rec, &body)
		assert.Equal(t, float64(1), body["record_count"])
		assert.Equal(t, float64(testDims), body["dimensions"])
	})
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/search", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.server.config.Port = 0 // ephemeral port

	require.NoError(t, env.server.Start())
	addr := env.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))

	// Second stop is a no-op.
	require.NoError(t, env.server.Stop(ctx))
}

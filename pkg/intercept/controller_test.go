package intercept

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/himmam-offline/internal/testutil"
	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/cache/cachetest"
	"github.com/Sternrassler/himmam-offline/pkg/cache/sqlstore"
	"github.com/Sternrassler/himmam-offline/pkg/fetch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	origin  *testutil.Origin
	doer    *testutil.CountingDoer
	storage *cache.MemoryStorage
	ctrl    *Controller
	names   cache.StoreNames
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	origin := testutil.NewOrigin()
	t.Cleanup(origin.Close)

	doer := &testutil.CountingDoer{Next: origin.Client()}
	storage := cache.NewMemoryStorage()
	fetcher := fetch.New(doer, fetch.Config{Retry: fetch.NoRetry()}, zerolog.Nop())

	if cfg.Names == (cache.StoreNames{}) {
		cfg.Names = cache.DefaultStoreNames()
	}
	ctrl, err := New(storage, fetcher, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &harness{origin: origin, doer: doer, storage: storage, ctrl: ctrl, names: cfg.Names}
}

func (h *harness) get(t *testing.T, path, dest string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.origin.URL()+path, nil)
	require.NoError(t, err)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return h.ctrl.Handle(req)
}

func (h *harness) keys(t *testing.T, store string) []string {
	t.Helper()
	s, err := h.storage.Open(context.Background(), store)
	require.NoError(t, err)
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestNew_Validation(t *testing.T) {
	fetcher := fetch.New(&testutil.CountingDoer{}, fetch.Config{}, zerolog.Nop())

	_, err := New(nil, fetcher, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)

	_, err = New(cache.NewMemoryStorage(), nil, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)

	_, err = New(cache.NewMemoryStorage(), fetcher, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestHandle_VideoCacheFirst(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetResponse("/lessons/video1.mp4", testutil.NewOKResponse("frames", "video/mp4"))

	resp, err := h.get(t, "/lessons/video1.mp4", "video")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "frames", readBody(t, resp))
	assert.Equal(t, 1, h.doer.Calls())

	assert.Equal(t, []string{h.origin.URL() + "/lessons/video1.mp4"}, h.keys(t, h.names.Video))

	resp, err = h.get(t, "/lessons/video1.mp4", "video")
	require.NoError(t, err)
	assert.Equal(t, "frames", readBody(t, resp))
	assert.Equal(t, 1, h.doer.Calls(), "second request must be served from the Video store")
}

func TestHandle_CacheFirstHitMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, Config{})
	key := h.origin.URL() + "/storage/handout.pdf"

	store, err := h.storage.Open(context.Background(), h.names.Offline)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, cachetest.Entry("stored pdf")))

	h.origin.SetOffline(true)
	resp, err := h.get(t, "/storage/handout.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, "stored pdf", readBody(t, resp))
	assert.Zero(t, h.doer.Calls())
}

func TestHandle_CacheFirstStoresOnlyStatus200(t *testing.T) {
	tests := []struct {
		name   string
		resp   testutil.OriginResponse
		stored bool
	}{
		{"200 stored", testutil.NewOKResponse("pdf", "application/pdf"), true},
		{"201 not stored", testutil.OriginResponse{StatusCode: http.StatusCreated, Body: "pdf"}, false},
		{"404 not stored", testutil.NewNotFoundResponse(), false},
		{"500 not stored", testutil.NewServerErrorResponse(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.origin.SetResponse("/docs/a.pdf", tt.resp)

			resp, err := h.get(t, "/docs/a.pdf", "")
			require.NoError(t, err)
			assert.Equal(t, tt.resp.StatusCode, resp.StatusCode)

			keys := h.keys(t, h.names.Offline)
			if tt.stored {
				assert.Len(t, keys, 1)
			} else {
				assert.Empty(t, keys)
			}
		})
	}
}

func TestHandle_CacheFirstPropagatesNetworkFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetOffline(true)

	for _, path := range []string{"/lessons/clip.webm", "/files/notes.pdf"} {
		resp, err := h.get(t, path, "")
		assert.Nil(t, resp)
		require.Error(t, err)
		assert.True(t, fetch.IsNetwork(err), "expected a network error, got %v", err)
	}
}

func TestHandle_PrimaryStoresInPrimary(t *testing.T) {
	h := newHarness(t, Config{})

	resp, err := h.get(t, "/student-dashboard", "document")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{h.origin.URL() + "/student-dashboard"}, h.keys(t, h.names.Primary))

	resp, err = h.get(t, "/student-dashboard", "document")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, 1, h.doer.Calls())
}

func TestHandle_PrimaryMatchesAcrossStores(t *testing.T) {
	h := newHarness(t, Config{})
	key := cache.LessonKey("L1")

	// lesson metadata lives in the Offline store, but a Primary request
	// for the same key is still answered from it
	store, err := h.storage.Open(context.Background(), h.names.Offline)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), h.origin.URL()+"/"+key, cachetest.Entry("meta")))

	resp, err := h.get(t, "/"+key, "")
	require.NoError(t, err)
	assert.Equal(t, "meta", readBody(t, resp))
	assert.Zero(t, h.doer.Calls())
}

func TestHandle_OfflineDocumentGetsShell(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetResponse("/", testutil.OriginResponse{StatusCode: http.StatusOK, Body: "<html>shell</html>"})

	resp, err := h.get(t, "/", "document")
	require.NoError(t, err)
	readBody(t, resp)

	h.origin.SetOffline(true)
	resp, err = h.get(t, "/courses/42", "document")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestHandle_OfflineRootDocumentServedFromCache(t *testing.T) {
	h := newHarness(t, Config{})
	store, err := h.storage.Open(context.Background(), h.names.Primary)
	require.NoError(t, err)

	shell := cachetest.Entry("cached shell")
	shell.StatusCode = http.StatusNotFound
	require.NoError(t, store.Put(context.Background(), h.origin.URL()+"/", shell))

	h.origin.SetOffline(true)
	resp, err := h.get(t, "/", "document")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "shell is served whatever its status")
	assert.Equal(t, "cached shell", readBody(t, resp))
}

func TestHandle_OfflineNonDocumentGets503(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetOffline(true)

	resp, err := h.get(t, "/api/random-json", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "503 Service Unavailable", resp.Status)
	assert.Equal(t, "Offline content not available", readBody(t, resp))
	assert.Empty(t, h.keys(t, h.names.Primary))
}

func TestHandle_OfflineDocumentWithoutShellGets503(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetOffline(true)

	resp, err := h.get(t, "/login", "document")
	require.NoError(t, err)
	assert.Equal(t, FallbackStatusCode, resp.StatusCode)
}

func TestHandle_NonGetBypassesCache(t *testing.T) {
	h := newHarness(t, Config{})
	store, err := h.storage.Open(context.Background(), h.names.Primary)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), h.origin.URL()+"/api/enroll", cachetest.Entry("stale")))

	var gotBody string
	h.origin.SetHandler("/api/enroll", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("created"))
	})

	req, err := http.NewRequest(http.MethodPost, h.origin.URL()+"/api/enroll", strings.NewReader("name=amina"))
	require.NoError(t, err)

	resp, err := h.ctrl.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, "created", readBody(t, resp))
	assert.Equal(t, "name=amina", gotBody)
	assert.Equal(t, 1, h.doer.Calls())

	entry, err := store.Match(context.Background(), h.origin.URL()+"/api/enroll")
	require.NoError(t, err)
	assert.Equal(t, "stale", string(entry.Body), "POST must not overwrite the cache")
}

func TestHandle_FailingNonGetPrimaryGetsFallback(t *testing.T) {
	h := newHarness(t, Config{})
	h.origin.SetOffline(true)

	req, err := http.NewRequest(http.MethodPost, h.origin.URL()+"/api/enroll", nil)
	require.NoError(t, err)

	resp, err := h.ctrl.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, FallbackStatusCode, resp.StatusCode)
}

type failingPutStorage struct {
	*cache.MemoryStorage
}

func (s failingPutStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.MemoryStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutStore{store}, nil
}

type failingPutStore struct {
	cache.Store
}

func (failingPutStore) Put(context.Context, string, *cache.Entry) error {
	return errors.New("quota exceeded")
}

func TestHandle_CacheWriteFailureIsSwallowed(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()

	fetcher := fetch.New(origin.Client(), fetch.Config{Retry: fetch.NoRetry()}, zerolog.Nop())
	ctrl, err := New(failingPutStorage{cache.NewMemoryStorage()}, fetcher, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	for _, path := range []string{"/lessons/a.mp4", "/docs/b.pdf", "/login"} {
		req, err := http.NewRequest(http.MethodGet, origin.URL()+path, nil)
		require.NoError(t, err)

		resp, err := ctrl.Handle(req)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestHandle_CoalesceSharesOneFetch(t *testing.T) {
	h := newHarness(t, Config{Coalesce: true})

	release := make(chan struct{})
	h.origin.SetHandler("/lessons/big.mp4", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("big"))
	})

	const n = 5
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.get(t, "/lessons/big.mp4", "")
			if err == nil {
				data, _ := io.ReadAll(resp.Body)
				bodies[i] = string(data)
			}
		}(i)
	}

	// let every caller reach the shared fetch before the origin answers
	assert.Eventually(t, func() bool { return h.origin.PathCount("/lessons/big.mp4") >= 1 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		assert.Equal(t, "big", b)
	}
	assert.LessOrEqual(t, h.origin.PathCount("/lessons/big.mp4"), n)
	assert.Len(t, h.keys(t, h.names.Video), 1)
}

func TestHandle_CoalescedWaiterSurvivesOtherCallerCancel(t *testing.T) {
	h := newHarness(t, Config{Coalesce: true})

	release := make(chan struct{})
	h.origin.SetHandler("/api/progress", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("progress"))
	})

	newReq := func(ctx context.Context) *http.Request {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.origin.URL()+"/api/progress", nil)
		require.NoError(t, err)
		return req
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan *http.Response, 1)
	go func() {
		resp, _ := h.ctrl.Handle(newReq(ctxA))
		doneA <- resp
	}()
	require.Eventually(t, func() bool { return h.origin.PathCount("/api/progress") >= 1 }, 2*time.Second, 5*time.Millisecond)

	doneB := make(chan *http.Response, 1)
	go func() {
		resp, err := h.ctrl.Handle(newReq(context.Background()))
		if err != nil {
			resp = nil
		}
		doneB <- resp
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	respA := <-doneA
	require.NotNil(t, respA)
	assert.Equal(t, FallbackStatusCode, respA.StatusCode)
	respA.Body.Close()

	close(release)
	respB := <-doneB
	require.NotNil(t, respB)
	assert.Equal(t, http.StatusOK, respB.StatusCode)
	assert.Equal(t, "progress", readBody(t, respB))
}

func TestHandle_TimedOutNavigationGetsShellFromSQLStore(t *testing.T) {
	origin := testutil.NewOrigin()
	defer origin.Close()

	ctx := context.Background()
	storage, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	names := cache.DefaultStoreNames()
	primary, err := storage.Open(ctx, names.Primary)
	require.NoError(t, err)
	require.NoError(t, primary.Put(ctx, cache.KeyForString(origin.URL()+"/"), cachetest.Entry("<html>shell</html>")))

	origin.SetHandler("/student-dashboard", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	fetcher := fetch.New(origin.Client(), fetch.Config{Retry: fetch.NoRetry()}, zerolog.Nop())
	ctrl, err := New(storage, fetcher, Config{Names: names, Timeout: 100 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, origin.URL()+"/student-dashboard", nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Dest", "document")

	resp, err := ctrl.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestShellKey(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://academy.example/courses/1?tab=2#top", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://academy.example/", ShellKey(req))
}

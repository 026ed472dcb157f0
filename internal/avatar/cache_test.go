package avatar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pngBytes carries a valid PNG signature for content sniffing.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

type fakePatcher struct {
	patches []map[string]any
}

func (f *fakePatcher) PatchFields(_ context.Context, _ uuid.UUID, fields map[string]any) error {
	f.patches = append(f.patches, fields)
	return nil
}

func (f *fakePatcher) disabled() bool {
	for _, p := range f.patches {
		if v, ok := p["avatar_enabled"]; ok && v == false {
			return true
		}
	}
	return false
}

func newTestCache(t *testing.T, patcher *fakePatcher) *Cache {
	t.Helper()
	cache, err := NewCache(t.TempDir(), patcher, zap.NewNop())
	require.NoError(t, err)
	return cache
}

func TestFetchStoresUnderSniffedExtension(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)
	userID := uuid.New()

	// The URL claims .jpg; the bytes say PNG. The sniffed format wins.
	av := cache.Fetch(context.Background(), userID, srv.URL+"/picture.jpg")
	assert.Equal(t, "image/png", av.ContentType)
	require.NotEmpty(t, av.Path)
	assert.Equal(t, ".png", filepath.Ext(av.Path))
	assert.False(t, patcher.disabled())

	// The second fetch is served from disk.
	again := cache.Fetch(context.Background(), userID, srv.URL+"/picture.jpg")
	assert.Equal(t, av.Path, again.Path)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRejectsUnknownURLExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for a rejected extension")
	}))
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)

	av := cache.Fetch(context.Background(), uuid.New(), srv.URL+"/malware.exe")
	assert.Equal(t, "image/svg+xml", av.ContentType)
	assert.NotEmpty(t, av.Data)
	assert.False(t, patcher.disabled(), "a rejected extension is not a download failure")
}

func TestFetchDisablesOnDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)

	av := cache.Fetch(context.Background(), uuid.New(), srv.URL+"/gone.png")
	assert.Equal(t, "image/svg+xml", av.ContentType)
	assert.True(t, patcher.disabled())
}

func TestFetchDisablesOnNonImageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)

	av := cache.Fetch(context.Background(), uuid.New(), srv.URL+"/fake.png")
	assert.Equal(t, "image/svg+xml", av.ContentType)
	assert.True(t, patcher.disabled())
}

func TestFetchFollowsSingleRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/moved.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final.png", http.StatusFound)
	})
	mux.HandleFunc("/final.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)

	av := cache.Fetch(context.Background(), uuid.New(), srv.URL+"/moved.png")
	assert.Equal(t, "image/png", av.ContentType)
	assert.False(t, patcher.disabled())
}

func TestFetchRefusesRedirectChain(t *testing.T) {
	var targetHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/a.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b.png", http.StatusFound)
	})
	mux.HandleFunc("/b.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/c.png", http.StatusFound)
	})
	mux.HandleFunc("/c.png", func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		_, _ = w.Write(pngBytes)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	patcher := &fakePatcher{}
	cache := newTestCache(t, patcher)

	// Two hops exceed the redirect cap: the download fails, the final
	// target is never contacted and the avatar is disabled.
	av := cache.Fetch(context.Background(), uuid.New(), srv.URL+"/a.png")
	assert.Equal(t, "image/svg+xml", av.ContentType)
	assert.True(t, patcher.disabled())
	assert.Equal(t, int32(0), targetHits.Load())
}

func TestFetchExpiryBoundary(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)

	cache := newTestCache(t, &fakePatcher{})
	userID := uuid.New()
	remote := srv.URL + "/picture.png"

	cache.Fetch(context.Background(), userID, remote)
	require.Equal(t, int32(1), hits.Load())

	base := time.Now()

	// One second short of the lifetime: still fresh.
	cache.now = func() time.Time { return base.Add(maxAge - time.Second) }
	cache.Fetch(context.Background(), userID, remote)
	assert.Equal(t, int32(1), hits.Load())

	// Exactly at the lifetime: expired, re-downloaded.
	cache.now = func() time.Time { return base.Add(maxAge) }
	cache.Fetch(context.Background(), userID, remote)
	assert.Equal(t, int32(2), hits.Load())
}

func TestInvalidateRemovesCachedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)

	cache := newTestCache(t, &fakePatcher{})
	remote := srv.URL + "/picture.png"

	av := cache.Fetch(context.Background(), uuid.New(), remote)
	require.NotEmpty(t, av.Path)
	_, err := os.Stat(av.Path)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(remote))
	_, err = os.Stat(av.Path)
	assert.True(t, os.IsNotExist(err))

	// Invalidating again is a no-op.
	assert.NoError(t, cache.Invalidate(remote))
}

func TestCacheKeyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t,
		cacheKey("https://CDN.example.com/Alice.PNG"),
		cacheKey("https://cdn.example.com/alice.png"))
}

func TestDefaultAvatar(t *testing.T) {
	av := Default()
	assert.Equal(t, "image/svg+xml", av.ContentType)
	assert.Contains(t, string(av.Data), "<svg")
}

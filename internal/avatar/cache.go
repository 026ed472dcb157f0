// Package avatar caches remote profile pictures on local disk.
//
// Cached files are keyed by the MD5 of the lowercased remote URL and named
// <key>.<ext>, where the extension is determined by sniffing the downloaded
// bytes rather than trusting the URL. A cached copy is considered fresh for
// seven days; after that the next request re-downloads it. Downloads that
// fail in any way disable the remote avatar for the owning account on the
// spot and the embedded placeholder is served instead — the cache never
// retries a broken URL on the user's behalf.
package avatar

import (
	"context"
	"crypto/md5"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openauth-dev/connect/internal/metrics"
)

//go:embed default.svg
var defaultAvatar []byte

const (
	// maxAge is how long a cached file stays fresh. A file exactly this old
	// is already expired.
	maxAge = 7 * 24 * time.Hour

	downloadTimeout = 10 * time.Second

	// maxRedirects caps how many redirects a download may follow. One hop
	// covers CDN-fronted provider URLs; anything longer is refused so a
	// hostile URL cannot bounce the client through arbitrary origins.
	maxRedirects = 1
)

// allowedURLExtensions are the extensions a remote URL may carry for the
// cache to attempt a download at all. URLs pointing at anything else are
// answered with the placeholder without touching the network.
var allowedURLExtensions = map[string]string{
	"jpg":  "jpg",
	"jpeg": "jpg",
	"png":  "png",
	"gif":  "gif",
	"webp": "webp",
}

// userPatcher is the slice of the user repository the cache needs: flipping
// avatar_enabled off after a failed download.
type userPatcher interface {
	PatchFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
}

// Avatar is a resolved avatar ready to serve. Either Path points at a cached
// file on disk, or Data holds the embedded placeholder.
type Avatar struct {
	ContentType string
	Path        string
	Data        []byte
}

// Cache downloads and serves remote avatars from a local directory.
type Cache struct {
	dir    string
	users  userPatcher
	http   *http.Client
	logger *zap.Logger

	// now is swappable in tests to exercise expiry boundaries.
	now func() time.Time
}

// NewCache creates a Cache rooted at dir, creating the directory if needed.
func NewCache(dir string, users userPatcher, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("avatar: creating cache dir: %w", err)
	}
	client := &http.Client{
		Timeout: downloadTimeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("avatar: refusing redirect after %d hops", maxRedirects)
			}
			return nil
		},
	}
	return &Cache{
		dir:    dir,
		users:  users,
		http:   client,
		logger: logger.Named("avatar"),
		now:    time.Now,
	}, nil
}

// Default returns the embedded placeholder avatar.
func Default() *Avatar {
	return &Avatar{ContentType: "image/svg+xml", Data: defaultAvatar}
}

// Fetch returns the avatar for the given remote URL, downloading or
// refreshing the cached copy as needed. userID identifies the owning
// account; on a failed download its remote avatar is disabled and the
// placeholder returned. Concurrent fetches of the same URL may both
// download; the rename at the end makes the last writer win.
func (c *Cache) Fetch(ctx context.Context, userID uuid.UUID, remoteURL string) *Avatar {
	ext, ok := urlExtension(remoteURL)
	if !ok {
		metrics.RecordAvatarRequest("fallback")
		return Default()
	}

	key := cacheKey(remoteURL)

	if cached, ok := c.lookup(key); ok {
		metrics.RecordAvatarRequest("hit")
		return cached
	}

	stored, err := c.download(ctx, key, remoteURL, ext)
	if err != nil {
		c.logger.Warn("avatar download failed",
			zap.String("url", remoteURL),
			zap.String("userID", userID.String()),
			zap.Error(err))
		c.disable(ctx, userID)
		metrics.RecordAvatarRequest("fallback")
		return Default()
	}

	metrics.RecordAvatarRequest("refresh")
	return stored
}

// Invalidate removes any cached copy of the given remote URL. Missing files
// are not an error.
func (c *Cache) Invalidate(remoteURL string) error {
	key := cacheKey(remoteURL)
	for ext := range mimeByExtension {
		p := filepath.Join(c.dir, key+"."+ext)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("avatar: removing cached file: %w", err)
		}
	}
	return nil
}

// lookup scans the candidate extensions for a fresh cached file. Checking
// every extension, not just the one in the URL, keeps a URL whose extension
// disagrees with its actual format from re-downloading on every request.
func (c *Cache) lookup(key string) (*Avatar, bool) {
	for ext, mime := range mimeByExtension {
		p := filepath.Join(c.dir, key+"."+ext)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if c.now().Sub(info.ModTime()) >= maxAge {
			continue
		}
		return &Avatar{ContentType: mime, Path: p}, true
	}
	return nil, false
}

// download streams the remote file to a temp file in the cache directory,
// sniffs its real format, and renames it into place under the sniffed
// extension. urlExt is only a hint from the URL; the sniffed extension wins.
func (c *Cache) download(ctx context.Context, key, remoteURL, urlExt string) (*Avatar, error) {
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("avatar: building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar: fetching %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar: fetching %s: status %d", remoteURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("avatar: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("avatar: streaming %s: %w", remoteURL, err)
	}

	head := make([]byte, sniffLen)
	n, err := tmp.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		tmp.Close()
		return nil, fmt.Errorf("avatar: reading downloaded file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("avatar: closing temp file: %w", err)
	}

	ext, ok := sniffExtension(head[:n])
	if !ok {
		return nil, fmt.Errorf("avatar: %s is not an accepted image format", remoteURL)
	}

	final := filepath.Join(c.dir, key+"."+ext)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, fmt.Errorf("avatar: storing cached file: %w", err)
	}

	// Stale copies under another extension would otherwise shadow or race
	// this one on the next lookup.
	for other := range mimeByExtension {
		if other != ext {
			_ = os.Remove(filepath.Join(c.dir, key+"."+other))
		}
	}

	now := c.now()
	if err := os.Chtimes(final, now, now); err != nil {
		return nil, fmt.Errorf("avatar: touching cached file: %w", err)
	}

	metrics.ObserveAvatarDownload(c.now().Sub(start).Seconds())
	return &Avatar{ContentType: mimeByExtension[ext], Path: final}, nil
}

// disable flips the remote avatar off for the owning account after a failed
// download. One failure is enough; re-enabling happens when a fresh picture
// claim arrives on the next external login.
func (c *Cache) disable(ctx context.Context, userID uuid.UUID) {
	if err := c.users.PatchFields(ctx, userID, map[string]any{"avatar_enabled": false}); err != nil {
		c.logger.Error("disabling remote avatar", zap.String("userID", userID.String()), zap.Error(err))
	}
}

// cacheKey derives the on-disk key for a remote URL. Lowercasing first makes
// the key stable across case-only URL variations.
func cacheKey(remoteURL string) string {
	sum := md5.Sum([]byte(strings.ToLower(remoteURL)))
	return hex.EncodeToString(sum[:])
}

// urlExtension extracts and normalizes the file extension from the URL path.
func urlExtension(remoteURL string) (string, bool) {
	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return "", false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(parsed.Path)), ".")
	normalized, ok := allowedURLExtensions[ext]
	return normalized, ok
}

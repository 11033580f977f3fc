package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// FileSource loads the feeds from local files on every call. An empty path
// means the feed is absent.
type FileSource struct {
	KEVPath  string
	EPSSPath string
}

func (f FileSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	return load(ctx, "file", f.KEVPath, f.EPSSPath, openFile)
}

// HTTPSource downloads the feeds. KEVURL and EPSSURL may also be local
// paths, which are read from disk.
type HTTPSource struct {
	KEVURL  string
	EPSSURL string
	Client  *http.Client
}

func (h HTTPSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	open := func(ctx context.Context, loc string) (io.ReadCloser, error) {
		if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
			return openFile(ctx, loc)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("GET %s: %s", loc, resp.Status)
		}
		return resp.Body, nil
	}
	return load(ctx, "http", h.KEVURL, h.EPSSURL, open)
}

// Cached serves the last snapshot of Source until TTL has passed, so large
// remote feeds are fetched at most once per TTL. A failed refresh returns
// the error and the next call tries again.
type Cached struct {
	Source Source
	TTL    time.Duration

	mu      sync.Mutex
	snap    *Snapshot
	fetched time.Time
	now     func() time.Time
}

// NewCached wraps src with a snapshot cache.
func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{Source: src, TTL: ttl, now: time.Now}
}

func (c *Cached) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.snap != nil && now.Sub(c.fetched) < c.TTL {
		return c.snap, nil
	}
	snap, err := c.Source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.snap, c.fetched = snap, now
	return snap, nil
}

type opener func(ctx context.Context, loc string) (io.ReadCloser, error)

func openFile(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func load(ctx context.Context, source, kevLoc, epssLoc string, open opener) (*Snapshot, error) {
	kev := map[string]bool{}
	epss := map[string]float64{}
	if kevLoc != "" {
		rc, err := open(ctx, kevLoc)
		if err != nil {
			return nil, fmt.Errorf("open KEV feed: %w", err)
		}
		kev, err = ParseKEV(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	if epssLoc != "" {
		rc, err := open(ctx, epssLoc)
		if err != nil {
			return nil, fmt.Errorf("open EPSS feed: %w", err)
		}
		epss, err = ParseEPSS(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return NewSnapshot(source, kev, epss)
}

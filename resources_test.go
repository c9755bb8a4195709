package convsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowFetcher counts fetches and blocks each one until released.
type slowFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func newSlowFetcher() *slowFetcher {
	return &slowFetcher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *slowFetcher) FetchAttachment(ctx context.Context, ref string) ([]byte, string, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	<-f.release
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("bytes of " + ref), "image/png", nil
}

func TestAcquireSharesOneFetch(t *testing.T) {
	f := newSlowFetcher()
	store := NewMemoryHandleStore()
	metrics := NewMetrics(nil)
	r := NewResourceManager(f, store, metrics, nil)
	att := Attachment{SourceRef: "files/cat.png"}

	var wg sync.WaitGroup
	urls := make([]string, 10)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire(context.Background(), fmt.Sprintf("owner-%d", i), att)
			assert.NoError(t, err)
			urls[i] = h.URL
		}(i)
	}
	<-f.started
	time.Sleep(10 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, store.Created())
	for _, u := range urls {
		assert.Equal(t, urls[0], u)
	}
	assert.True(t, r.State(att.Key()).Loaded)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LiveHandles))

	for i := 0; i < 9; i++ {
		r.Release(fmt.Sprintf("owner-%d", i), att.Key())
	}
	assert.Zero(t, store.Revoked(urls[0]))
	assert.Equal(t, 1, r.Live())

	r.Release("owner-9", att.Key())
	r.Release("owner-9", att.Key())
	r.ReleaseOwner("owner-9")
	assert.Equal(t, 1, store.Revoked(urls[0]))
	assert.Zero(t, r.Live())
	assert.Zero(t, testutil.ToFloat64(metrics.LiveHandles))
	assert.False(t, r.State(att.Key()).Loaded)
}

func TestAcquireLocalPreview(t *testing.T) {
	f := newSlowFetcher()
	store := NewMemoryHandleStore()
	r := NewResourceManager(f, store, nil, nil)
	att := Attachment{SourceRef: "blob:local/1", IsLocalPreview: true}

	h, err := r.Acquire(context.Background(), "a", att)
	require.NoError(t, err)
	assert.True(t, h.Local)
	assert.Equal(t, "blob:local/1", h.URL)
	assert.Zero(t, f.calls.Load())

	resolved, err := r.Resolve(context.Background(), "b", att)
	require.NoError(t, err)
	assert.Equal(t, "blob:local/1", resolved.ResolvedURL)

	r.ReleaseOwner("a")
	r.ReleaseOwner("b")
	assert.Equal(t, 1, store.Revoked("blob:local/1"))
}

func TestAcquireFetchError(t *testing.T) {
	f := newSlowFetcher()
	f.err = errors.New("403 forbidden")
	close(f.release)
	r := NewResourceManager(f, NewMemoryHandleStore(), nil, nil)

	_, err := r.Acquire(context.Background(), "a", Attachment{SourceRef: "files/secret.png"})
	var loadErr *AttachmentLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "files/secret.png", loadErr.Ref)
	assert.Error(t, r.State("files/secret.png").Err)
	assert.Zero(t, r.Live())

	// A later acquire retries the fetch.
	f.err = nil
	_, err = r.Acquire(context.Background(), "a", Attachment{SourceRef: "files/secret.png"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.NoError(t, r.State("files/secret.png").Err)
}

func TestReleaseWhileFetching(t *testing.T) {
	f := newSlowFetcher()
	store := NewMemoryHandleStore()
	r := NewResourceManager(f, store, nil, nil)

	done := make(chan Handle, 1)
	go func() {
		h, _ := r.Acquire(context.Background(), "conv#1/m1", Attachment{SourceRef: "files/late.png"})
		done <- h
	}()
	<-f.started
	r.ReleasePrefix("conv#1/")
	close(f.release)

	h := <-done
	assert.Equal(t, 1, store.Revoked(h.URL))
	assert.Zero(t, r.Live())
}

func TestReleasePrefixScopesToSession(t *testing.T) {
	f := newSlowFetcher()
	close(f.release)
	store := NewMemoryHandleStore()
	r := NewResourceManager(f, store, nil, nil)
	att := Attachment{SourceRef: "files/shared.png"}

	h, err := r.Acquire(context.Background(), "a#1/m1", att)
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "b#2/m7", att)
	require.NoError(t, err)

	r.ReleasePrefix("a#1/")
	assert.Zero(t, store.Revoked(h.URL), "still shown in another window")
	r.ReleasePrefix("b#2/")
	assert.Equal(t, 1, store.Revoked(h.URL))
}

func TestTempFileStore(t *testing.T) {
	dir := t.TempDir()
	s := NewTempFileStore(dir)

	url, err := s.Create("files/report.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "file://"+dir))
	assert.True(t, strings.HasSuffix(url, ".pdf"))

	path := strings.TrimPrefix(url, "file://")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))

	require.NoError(t, s.Revoke(url))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, s.Revoke(url))
	assert.NoError(t, s.Revoke("blob:not-ours"))
}

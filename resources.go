package convsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Handles
// ============================================================================

// Handle is a session-local reference to attachment bytes, e.g. an object URL.
type Handle struct {
	Ref   string
	URL   string
	Local bool
}

// HandleStore mints and revokes handles for fetched attachment bytes.
type HandleStore interface {
	Create(ref string, data []byte, mediaType string) (url string, err error)
	Revoke(url string) error
}

// AttachmentState is the load state of one attachment, keyed by its ref.
type AttachmentState struct {
	Loaded bool
	Err    error
}

type handleEntry struct {
	handle Handle
	owners map[string]struct{}
}

// ============================================================================
// ResourceManager
// ============================================================================

// ResourceManager resolves attachments to handles and reference counts them by
// owner. A handle is revoked exactly once, when its last owner lets go.
type ResourceManager struct {
	fetcher AttachmentFetcher
	store   HandleStore
	metrics *Metrics
	log     *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*handleEntry
	waiting map[string]map[string]struct{}
	states  map[string]AttachmentState
}

// NewResourceManager creates a manager that fetches private attachments
// through fetcher and mints handles in store.
func NewResourceManager(fetcher AttachmentFetcher, store HandleStore, metrics *Metrics, logger *slog.Logger) *ResourceManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceManager{
		fetcher: fetcher,
		store:   store,
		metrics: metrics,
		log:     logger,
		handles: make(map[string]*handleEntry),
		waiting: make(map[string]map[string]struct{}),
		states:  make(map[string]AttachmentState),
	}
}

// Acquire returns the handle for att on behalf of owner. Local previews are
// handed back as-is; remote refs are fetched once no matter how many owners
// ask for them concurrently.
func (r *ResourceManager) Acquire(ctx context.Context, owner string, att Attachment) (Handle, error) {
	ref := att.Key()

	r.mu.Lock()
	if e, ok := r.handles[ref]; ok {
		e.owners[owner] = struct{}{}
		r.mu.Unlock()
		return e.handle, nil
	}
	if att.IsLocalPreview {
		h := Handle{Ref: ref, URL: att.SourceRef, Local: true}
		r.install(h, map[string]struct{}{owner: {}})
		r.mu.Unlock()
		return h, nil
	}
	if r.waiting[ref] == nil {
		r.waiting[ref] = make(map[string]struct{})
	}
	r.waiting[ref][owner] = struct{}{}
	r.mu.Unlock()

	v, err, _ := r.group.Do(ref, func() (interface{}, error) {
		return r.fetch(ctx, ref)
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

// Resolve is Acquire for renderers: it returns att with ResolvedURL filled in.
func (r *ResourceManager) Resolve(ctx context.Context, owner string, att Attachment) (Attachment, error) {
	h, err := r.Acquire(ctx, owner, att)
	if err != nil {
		return att, err
	}
	att.ResolvedURL = h.URL
	return att, nil
}

func (r *ResourceManager) fetch(ctx context.Context, ref string) (Handle, error) {
	r.mu.Lock()
	if e, ok := r.handles[ref]; ok {
		for o := range r.waiting[ref] {
			e.owners[o] = struct{}{}
		}
		delete(r.waiting, ref)
		r.mu.Unlock()
		return e.handle, nil
	}
	r.mu.Unlock()

	data, mediaType, err := r.fetcher.FetchAttachment(ctx, ref)
	var url string
	if err == nil {
		url, err = r.store.Create(ref, data, mediaType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	owners := r.waiting[ref]
	delete(r.waiting, ref)
	if err != nil {
		loadErr := &AttachmentLoadError{Ref: ref, Err: err}
		r.states[ref] = AttachmentState{Err: loadErr}
		r.log.Warn("attachment load failed", "ref", ref, "error", err)
		return Handle{}, loadErr
	}
	h := Handle{Ref: ref, URL: url}
	if len(owners) == 0 {
		// Every owner released while the fetch was in flight.
		r.revoke(h)
		return h, nil
	}
	r.install(h, owners)
	return h, nil
}

// Release drops owner's claim on ref.
func (r *ResourceManager) Release(owner, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release(owner, ref)
}

// ReleaseOwner drops every claim owner holds.
func (r *ResourceManager) ReleaseOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref := range r.handles {
		r.release(owner, ref)
	}
	for ref := range r.waiting {
		r.release(owner, ref)
	}
}

// ReleasePrefix drops every claim held by owners starting with prefix. Used
// when a whole conversation window is torn down.
func (r *ResourceManager) ReleasePrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, e := range r.handles {
		for o := range e.owners {
			if strings.HasPrefix(o, prefix) {
				seen[o] = struct{}{}
			}
		}
	}
	for _, w := range r.waiting {
		for o := range w {
			if strings.HasPrefix(o, prefix) {
				seen[o] = struct{}{}
			}
		}
	}
	for o := range seen {
		for ref := range r.handles {
			r.release(o, ref)
		}
		for ref := range r.waiting {
			r.release(o, ref)
		}
	}
}

// State returns the load state of ref.
func (r *ResourceManager) State(ref string) AttachmentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[ref]
}

// Live returns the number of handles currently held.
func (r *ResourceManager) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// must hold r.mu
func (r *ResourceManager) install(h Handle, owners map[string]struct{}) {
	r.handles[h.Ref] = &handleEntry{handle: h, owners: owners}
	r.states[h.Ref] = AttachmentState{Loaded: true}
	r.metrics.LiveHandles.Inc()
}

// must hold r.mu
func (r *ResourceManager) release(owner, ref string) {
	if w, ok := r.waiting[ref]; ok {
		delete(w, owner)
	}
	e, ok := r.handles[ref]
	if !ok {
		return
	}
	if _, held := e.owners[owner]; !held {
		return
	}
	delete(e.owners, owner)
	if len(e.owners) > 0 {
		return
	}
	delete(r.handles, ref)
	delete(r.states, ref)
	r.metrics.LiveHandles.Dec()
	r.revoke(e.handle)
}

func (r *ResourceManager) revoke(h Handle) {
	if err := r.store.Revoke(h.URL); err != nil {
		r.log.Warn("revoke handle", "ref", h.Ref, "error", err)
	}
}

// ============================================================================
// Handle stores
// ============================================================================

// TempFileStore writes fetched attachments to a directory and hands out
// file:// URLs. Handles it did not create (local previews) are left alone.
type TempFileStore struct {
	dir string

	mu    sync.Mutex
	paths map[string]string
}

// NewTempFileStore creates a store under dir; an empty dir uses os.TempDir.
func NewTempFileStore(dir string) *TempFileStore {
	if dir == "" {
		dir = os.TempDir()
	}
	return &TempFileStore{dir: dir, paths: make(map[string]string)}
}

func (s *TempFileStore) Create(ref string, data []byte, mediaType string) (string, error) {
	f, err := os.CreateTemp(s.dir, "convsync-*"+filepath.Ext(ref))
	if err != nil {
		return "", fmt.Errorf("create handle file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write handle file: %w", err)
	}
	url := "file://" + f.Name()
	s.mu.Lock()
	s.paths[url] = f.Name()
	s.mu.Unlock()
	return url, nil
}

func (s *TempFileStore) Revoke(url string) error {
	s.mu.Lock()
	path, ok := s.paths[url]
	delete(s.paths, url)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove handle file: %w", err)
	}
	return nil
}

// MemoryHandleStore keeps attachment bytes in memory under blob: URLs and
// records revocations.
type MemoryHandleStore struct {
	mu      sync.Mutex
	seq     int
	blobs   map[string][]byte
	revoked map[string]int
}

func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{blobs: make(map[string][]byte), revoked: make(map[string]int)}
}

func (s *MemoryHandleStore) Create(ref string, data []byte, mediaType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	url := fmt.Sprintf("blob:%d/%s", s.seq, ref)
	s.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

func (s *MemoryHandleStore) Revoke(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, url)
	s.revoked[url]++
	return nil
}

// Created returns how many handles were minted.
func (s *MemoryHandleStore) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Revoked returns how many times url was revoked.
func (s *MemoryHandleStore) Revoked(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[url]
}

// Bytes returns the payload behind url.
func (s *MemoryHandleStore) Bytes(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[url]
	return b, ok
}

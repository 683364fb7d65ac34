package stow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend is the minimal in-memory backend the identity-cache tests
// need: a flat set of paths that Identify answers from.
type stubBackend struct {
	mu    sync.Mutex
	kinds map[string]Kind

	identifies int
}

func newStubBackend(paths map[string]Kind) *stubBackend {
	return &stubBackend{kinds: paths}
}

func (s *stubBackend) Identify(ctx context.Context, path string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifies++
	kind, ok := s.kinds[path]
	if !ok {
		return Info{}, ErrArtefactNotFound
	}
	return Info{Path: path, Kind: kind}, nil
}

func (s *stubBackend) Get(ctx context.Context, path, localDst string) error { return nil }

func (s *stubBackend) GetBytes(ctx context.Context, path string) ([]byte, error) {
	return nil, nil
}

func (s *stubBackend) Put(ctx context.Context, localSrc, path string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[path] = KindFile
	return Info{Path: path, Kind: KindFile}, nil
}

func (s *stubBackend) PutBytes(ctx context.Context, b []byte, path string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[path] = KindFile
	return Info{Path: path, Kind: KindFile, Size: int64(len(b))}, nil
}

func (s *stubBackend) List(ctx context.Context, path string) ([]Info, error) { return nil, nil }

func (s *stubBackend) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kinds, path)
	return nil
}

func (s *stubBackend) Abspath(path string) string { return path }

func (s *stubBackend) Capabilities() Capability { return 0 }

func (s *stubBackend) Config() map[string]string { return map[string]string{} }

func (s *stubBackend) Scheme() string { return "stub" }

func TestResolveReturnsSameArtefact(t *testing.T) {
	m := New(newStubBackend(map[string]Kind{"/a.txt": KindFile}))

	first, err := m.resolve(context.Background(), "/a.txt")
	require.NoError(t, err)
	second, err := m.resolve(context.Background(), "/a.txt")
	require.NoError(t, err)

	assert.Same(t, first, second, "one live artefact per path")
}

func TestResolveRaceConvergesOnOneArtefact(t *testing.T) {
	m := New(newStubBackend(map[string]Kind{"/shared.txt": KindFile}))

	const goroutines = 32
	results := make([]Artefact, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := m.resolve(context.Background(), "/shared.txt")
			assert.NoError(t, err)
			results[i] = art
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestMarkDeletedIsTerminal(t *testing.T) {
	backend := newStubBackend(map[string]Kind{"/doomed.txt": KindFile})
	m := New(backend)

	art, err := m.resolve(context.Background(), "/doomed.txt")
	require.NoError(t, err)

	m.reg.markDeleted("/doomed.txt")

	assert.Equal(t, "/doomed.txt", art.Path(), "path stays readable")
	assert.False(t, art.Exists())
	_, err = art.ModifiedTime()
	assert.ErrorIs(t, err, ErrArtefactNoLongerExists)

	// Re-resolving the same path yields a fresh artefact; the dead
	// reference never resurrects.
	fresh, err := m.resolve(context.Background(), "/doomed.txt")
	require.NoError(t, err)
	assert.NotSame(t, art, fresh)
	assert.True(t, fresh.Exists())
}

func TestMarkDeletedCoversSubtree(t *testing.T) {
	backend := newStubBackend(map[string]Kind{
		"/dir":         KindDirectory,
		"/dir/a.txt":   KindFile,
		"/dir/sub":     KindDirectory,
		"/dir/sub/b":   KindFile,
		"/dirtwin.txt": KindFile,
	})
	m := New(backend)

	ctx := context.Background()
	for _, p := range []string{"/dir", "/dir/a.txt", "/dir/sub", "/dir/sub/b", "/dirtwin.txt"} {
		_, err := m.resolve(ctx, p)
		require.NoError(t, err)
	}
	child, _ := m.reg.get("/dir/sub/b")
	twin, _ := m.reg.get("/dirtwin.txt")

	m.reg.markDeleted("/dir")

	assert.False(t, child.Exists(), "descendants die with the directory")
	assert.True(t, twin.Exists(), "prefix match is segment-wise, not string-wise")
}

func TestRegistryMoveRewritesSubtreeInPlace(t *testing.T) {
	backend := newStubBackend(map[string]Kind{
		"/src":       KindDirectory,
		"/src/a.txt": KindFile,
	})
	m := New(backend)

	ctx := context.Background()
	dir, err := m.resolve(ctx, "/src")
	require.NoError(t, err)
	file, err := m.resolve(ctx, "/src/a.txt")
	require.NoError(t, err)

	m.reg.move("/src", "/dst")

	assert.Equal(t, "/dst", dir.Path(), "existing reference follows the move")
	assert.Equal(t, "/dst/a.txt", file.Path())

	cached, ok := m.reg.get("/dst/a.txt")
	require.True(t, ok)
	assert.Same(t, file, cached)
	_, stale := m.reg.get("/src/a.txt")
	assert.False(t, stale, "old keys are gone")
}

func TestAdoptInfoReplacesOnTypeChange(t *testing.T) {
	backend := newStubBackend(map[string]Kind{"/thing": KindFile})
	m := New(backend)

	asFile, err := m.resolve(context.Background(), "/thing")
	require.NoError(t, err)
	require.IsType(t, &File{}, asFile)

	// The path changed type out from under the cache.
	fresh := m.adoptInfo(Info{Path: "/thing", Kind: KindDirectory})
	require.IsType(t, &Directory{}, fresh)

	assert.False(t, asFile.Exists(), "stale reference dies on type change")
	cached, ok := m.reg.get("/thing")
	require.True(t, ok)
	assert.Same(t, fresh, cached)
}

func TestForeignArtefactRejected(t *testing.T) {
	backendA := newStubBackend(map[string]Kind{"/x.txt": KindFile})
	backendB := newStubBackend(map[string]Kind{"/x.txt": KindFile})
	managerA := New(backendA)
	managerB := New(backendB)

	art, err := managerA.resolve(context.Background(), "/x.txt")
	require.NoError(t, err)

	_, err = managerB.GetBytes(context.Background(), art.(*File))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationNotPermitted)
}

func TestBatchAggregatesFailures(t *testing.T) {
	m := New(newStubBackend(map[string]Kind{}))

	b := m.newBatch(context.Background(), "test")
	for i := 0; i < 5; i++ {
		i := i
		b.submit(func(ctx context.Context) error {
			if i%2 == 0 {
				return fmt.Errorf("item %d failed", i)
			}
			return nil
		})
	}
	err := b.wait()
	require.Error(t, err)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Len(t, batchErr.Errors, 3, "failures recorded, successes not")
	assert.Equal(t, "test", batchErr.Op)
}

package stow

import (
	"context"
	"sync"
	"time"
)

// Ref addresses an artefact at a public entry point: either a Path or a live
// Artefact obtained from the same manager. References are normalized to
// canonical Path form immediately on entry; no other string conversion is
// ever applied.
type Ref interface {
	storePath() string
}

// Artefact is a reference to a file or directory owned by exactly one
// Manager. For any canonical path a manager holds at most one live Artefact,
// so two lookups of the same path observe the same object and the same state
// transitions. Once the backing object is removed the artefact is terminally
// deleted: Path remains readable, every other accessor fails with
// ErrArtefactNoLongerExists.
type Artefact interface {
	Ref

	// Path returns the canonical manager path. Readable in every state.
	Path() string

	// Name returns the final path segment.
	Name() string

	// Manager returns the owning manager.
	Manager() *Manager

	// Exists reports whether the artefact is still live. It consults cached
	// state only; use Manager.Exists to re-check the backing storage.
	Exists() bool

	ModifiedTime() (time.Time, error)
	CreatedTime() (time.Time, error)
	AccessedTime() (time.Time, error)

	// Metadata returns the backend metadata mapping for the artefact.
	Metadata() (map[string]string, error)

	// Tags returns the user tag mapping for the artefact.
	Tags() (map[string]string, error)
}

// artefact carries the state shared by both variants. The mutex guards every
// field except manager: path rewrites on move, metadata refreshes and the
// terminal delete flag all race with readers on other goroutines.
type artefact struct {
	manager *Manager

	mu         sync.Mutex
	path       string
	deleted    bool
	modTime    time.Time
	createTime time.Time
	accessTime time.Time
	metadata   map[string]string
	tags       map[string]string
}

func (a *artefact) storePath() string { return a.Path() }

func (a *artefact) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

func (a *artefact) Name() string { return Basename(a.Path()) }

func (a *artefact) Manager() *Manager { return a.manager }

func (a *artefact) Exists() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.deleted
}

// live fails when the artefact has been deleted. Callers hold the lock.
func (a *artefact) live(op string) error {
	if a.deleted {
		return NewPathError(op, a.path, ErrArtefactNoLongerExists)
	}
	return nil
}

func (a *artefact) ModifiedTime() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.live("modifiedTime"); err != nil {
		return time.Time{}, err
	}
	return a.modTime, nil
}

func (a *artefact) CreatedTime() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.live("createdTime"); err != nil {
		return time.Time{}, err
	}
	return a.createTime, nil
}

func (a *artefact) AccessedTime() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.live("accessedTime"); err != nil {
		return time.Time{}, err
	}
	return a.accessTime, nil
}

func (a *artefact) Metadata() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.live("metadata"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(a.metadata))
	for k, v := range a.metadata {
		out[k] = v
	}
	return out, nil
}

func (a *artefact) Tags() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.live("tags"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(a.tags))
	for k, v := range a.tags {
		out[k] = v
	}
	return out, nil
}

// setPath rewrites the artefact path in place on move.
func (a *artefact) setPath(path string) {
	a.mu.Lock()
	a.path = path
	a.mu.Unlock()
}

// markDeleted flips the terminal flag. Holders of the reference observe the
// transition on their next accessor call.
func (a *artefact) markDeleted() {
	a.mu.Lock()
	a.deleted = true
	a.mu.Unlock()
}

// applyInfo refreshes the shared attributes from an identity snapshot.
func (a *artefact) applyInfo(info Info) {
	a.mu.Lock()
	a.modTime = info.ModTime
	a.createTime = info.CreateTime
	a.accessTime = info.AccessTime
	a.metadata = info.Metadata
	a.mu.Unlock()
}

// File is a content-bearing artefact. Size and digest are cached from the
// last identification; content bytes are never cached beyond the small
// threshold used by GetBytes.
type File struct {
	artefact

	size    int64
	digest  string
	content []byte
}

// smallContentLimit bounds the per-file content cache. Anything larger is
// fetched from the backend on every read.
const smallContentLimit = 64 * 1024

// Size returns the file size in bytes as of the last identification.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.live("size"); err != nil {
		return 0, err
	}
	return f.size, nil
}

// Digest returns the hex MD5 content digest, asking the backend or hashing
// the content when no digest is cached.
func (f *File) Digest(ctx context.Context) (string, error) {
	f.mu.Lock()
	if err := f.live("digest"); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if f.digest != "" {
		digest := f.digest
		f.mu.Unlock()
		return digest, nil
	}
	f.mu.Unlock()

	digest, err := f.manager.digest(ctx, f)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.digest = digest
	f.mu.Unlock()
	return digest, nil
}

// Content returns the file bytes through the owning manager.
func (f *File) Content(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if err := f.live("content"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.content != nil {
		cached := make([]byte, len(f.content))
		copy(cached, f.content)
		f.mu.Unlock()
		return cached, nil
	}
	f.mu.Unlock()

	return f.manager.GetBytes(ctx, f)
}

// applyFileInfo refreshes file attributes and drops stale cached state.
func (f *File) applyFileInfo(info Info) {
	f.applyInfo(info)
	f.mu.Lock()
	f.size = info.Size
	f.digest = info.Digest
	f.content = nil
	f.mu.Unlock()
}

// cacheContent retains small file bodies so repeated reads of configuration-
// sized files skip the backend.
func (f *File) cacheContent(b []byte) {
	if len(b) > smallContentLimit {
		return
	}
	cached := make([]byte, len(b))
	copy(cached, b)
	f.mu.Lock()
	f.content = cached
	f.mu.Unlock()
}

// Directory is a container artefact. The collected flag records that its
// children have been enumerated into the registry, letting a recursive
// listing skip re-querying subtrees it has already visited.
type Directory struct {
	artefact

	collected bool
}

// Ls lists the directory contents through the owning manager.
func (d *Directory) Ls(ctx context.Context, opts ...LsOption) ([]Artefact, error) {
	return d.manager.Ls(ctx, d, opts...)
}

// IsEmpty reports whether the directory has no children.
func (d *Directory) IsEmpty(ctx context.Context) (bool, error) {
	children, err := d.manager.Ls(ctx, d)
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// RelPath returns the path of other relative to this directory.
func (d *Directory) RelPath(other Ref) (string, error) {
	return RelPath(other.storePath(), d.Path())
}

func (d *Directory) isCollected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collected
}

func (d *Directory) setCollected(collected bool) {
	d.mu.Lock()
	d.collected = collected
	d.mu.Unlock()
}

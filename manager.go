package stow

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"time"
)

// Manager dispatches the public artefact operations onto one backend's
// primitive set. It owns the artefact identity cache for its storage medium:
// every path resolved through this manager yields the single live Artefact
// for that path until an intervening mutation invalidates it.
//
// All operations accept a Ref, either a Path or an Artefact previously
// obtained from this manager, and normalize it to canonical form immediately.
// Remote-touching batch operations fan out across a bounded worker pool;
// purely local operations run synchronously in the caller.
type Manager struct {
	backend Backend
	reg     *registry
	workers int
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the worker-pool bound for remote batch operations.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithLogger sets the logger used for operation tracing. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager over the given backend.
func New(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		reg:     newRegistry(),
		workers: defaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the backend this manager dispatches onto.
func (m *Manager) Backend() Backend { return m.backend }

// Config returns the key/value mapping sufficient to reconstruct an
// equivalent manager (without live cache state) via FromConfig.
func (m *Manager) Config() map[string]string {
	cfg := map[string]string{"scheme": m.backend.Scheme()}
	for k, v := range m.backend.Config() {
		cfg[k] = v
	}
	return cfg
}

// refPath normalizes a Ref to its canonical manager path.
func refPath(ref Ref) string {
	return CanonicalPath(ref.storePath())
}

// checkOwned verifies that an artefact passed as a Ref belongs to this
// manager. Paths always pass.
func (m *Manager) checkOwned(op string, ref Ref) error {
	if art, ok := ref.(Artefact); ok && art.Manager() != m {
		return NewPathError(op, art.Path(), ErrOperationNotPermitted).
			WithMessage("artefact belongs to a different manager")
	}
	return nil
}

// newArtefact builds the unattached artefact for an identity snapshot.
func (m *Manager) newArtefact(info Info) Artefact {
	switch info.Kind {
	case KindDirectory:
		d := &Directory{}
		d.manager = m
		d.path = info.Path
		d.applyInfo(info)
		return d
	default:
		f := &File{}
		f.manager = m
		f.path = info.Path
		f.applyFileInfo(info)
		return f
	}
}

// adoptInfo folds an identity snapshot into the cache: refresh the existing
// artefact when the type still matches, replace it when the path has changed
// type, insert when uncached. Returns the live artefact for the path.
func (m *Manager) adoptInfo(info Info) Artefact {
	if existing, ok := m.reg.get(info.Path); ok {
		switch art := existing.(type) {
		case *File:
			if info.Kind == KindFile {
				art.applyFileInfo(info)
				return art
			}
		case *Directory:
			if info.Kind == KindDirectory {
				art.applyInfo(info)
				return art
			}
		}
		// Type changed at this path: the old reference dies, a fresh one
		// takes the slot.
		fresh := m.newArtefact(info)
		m.reg.replace(fresh)
		return fresh
	}
	return m.reg.adopt(m.newArtefact(info))
}

// resolve returns the live artefact for path, identifying it on the backend
// when uncached. A first-access race identifies twice but inserts once.
func (m *Manager) resolve(ctx context.Context, path string) (Artefact, error) {
	if art, ok := m.reg.get(path); ok {
		return art, nil
	}
	if path == "/" {
		// The root directory always exists.
		return m.adoptInfo(Info{Path: "/", Kind: KindDirectory}), nil
	}
	info, err := m.backend.Identify(ctx, path)
	if err != nil {
		return nil, err
	}
	return m.adoptInfo(info), nil
}

// resolveRef normalizes and resolves a Ref, requiring it to exist.
func (m *Manager) resolveRef(ctx context.Context, op string, ref Ref) (Artefact, string, error) {
	if err := m.checkOwned(op, ref); err != nil {
		return nil, "", err
	}
	path := refPath(ref)
	art, err := m.resolve(ctx, path)
	if err != nil {
		return nil, path, NewPathError(op, path, err)
	}
	return art, path, nil
}

// Artefact resolves ref to its live artefact, answering from the cache when
// the path has already been seen. Fails with ErrArtefactNotFound when
// nothing exists at the path.
func (m *Manager) Artefact(ctx context.Context, ref Ref) (Artefact, error) {
	art, _, err := m.resolveRef(ctx, "artefact", ref)
	return art, err
}

// Exists re-identifies the path on the backend and reconciles the cache:
// a vanished object transitions its artefact to deleted, a type change
// replaces the cached reference.
func (m *Manager) Exists(ctx context.Context, ref Ref) (bool, error) {
	if err := m.checkOwned("exists", ref); err != nil {
		return false, err
	}
	path := refPath(ref)
	if path == "/" {
		return true, nil
	}

	info, err := m.backend.Identify(ctx, path)
	switch {
	case errors.Is(err, ErrArtefactNotFound):
		m.reg.markDeleted(path)
		return false, nil
	case err != nil:
		return false, NewPathError("exists", path, err)
	}

	m.adoptInfo(info)
	return true, nil
}

// IsFile reports whether the path currently resolves to a File.
func (m *Manager) IsFile(ctx context.Context, ref Ref) (bool, error) {
	ok, err := m.Exists(ctx, ref)
	if err != nil || !ok {
		return false, err
	}
	art, _ := m.reg.get(refPath(ref))
	_, isFile := art.(*File)
	return isFile, nil
}

// IsDir reports whether the path currently resolves to a Directory.
func (m *Manager) IsDir(ctx context.Context, ref Ref) (bool, error) {
	if refPath(ref) == "/" {
		return true, nil
	}
	ok, err := m.Exists(ctx, ref)
	if err != nil || !ok {
		return false, err
	}
	art, _ := m.reg.get(refPath(ref))
	_, isDir := art.(*Directory)
	return isDir, nil
}

// LsOption configures a listing.
type LsOption func(*lsConfig)

type lsConfig struct {
	recursive bool
}

// LsRecursive makes the listing a depth-first walk of the whole subtree.
func LsRecursive() LsOption {
	return func(c *lsConfig) { c.recursive = true }
}

// Ls lists the contents of the directory at ref, one level by default.
// Listing extends the artefact cache as directories are visited; directories
// already collected within the walk are answered from the cache.
func (m *Manager) Ls(ctx context.Context, ref Ref, opts ...LsOption) ([]Artefact, error) {
	var out []Artefact
	for art, err := range m.LsIter(ctx, ref, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, nil
}

// LsIter is the lazy form of Ls: a restartable sequence producing artefacts
// as the walk reaches them. Each call starts a fresh traversal.
func (m *Manager) LsIter(ctx context.Context, ref Ref, opts ...LsOption) iter.Seq2[Artefact, error] {
	cfg := lsConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(Artefact, error) bool) {
		art, path, err := m.resolveRef(ctx, "ls", ref)
		if err != nil {
			yield(nil, err)
			return
		}
		dir, ok := art.(*Directory)
		if !ok {
			yield(nil, NewPathError("ls", path, ErrArtefactType).
				WithMessage("cannot list a file"))
			return
		}
		m.walk(ctx, dir, cfg.recursive, yield)
	}
}

// walk emits the children of dir, recursing when asked. Returns false once
// the consumer stops.
func (m *Manager) walk(ctx context.Context, dir *Directory, recursive bool, yield func(Artefact, error) bool) bool {
	children, err := m.collect(ctx, dir)
	if err != nil {
		return yield(nil, err)
	}
	for _, child := range children {
		if !yield(child, nil) {
			return false
		}
		if sub, ok := child.(*Directory); ok && recursive {
			if !m.walk(ctx, sub, true, yield) {
				return false
			}
		}
	}
	return true
}

// collect enumerates dir's children into the registry unless a previous
// visit already did.
func (m *Manager) collect(ctx context.Context, dir *Directory) ([]Artefact, error) {
	path := dir.Path()
	if dir.isCollected() {
		return m.reg.snapshot(path), nil
	}

	infos, err := m.backend.List(ctx, path)
	if err != nil {
		return nil, NewPathError("ls", path, err)
	}
	children := make([]Artefact, 0, len(infos))
	for _, info := range infos {
		children = append(children, m.adoptInfo(info))
	}
	dir.setCollected(true)
	m.logger.DebugContext(ctx, "collected directory", "path", path, "children", len(children))
	return children, nil
}

// Get materializes the artefact at src into the local filesystem location
// dst, creating local ancestors as needed. Directories are materialized
// recursively. Fails with ErrArtefactNotFound when src does not resolve.
func (m *Manager) Get(ctx context.Context, src Ref, dst string) error {
	_, path, err := m.resolveRef(ctx, "get", src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(Dirname(dst), 0o755); err != nil {
		return NewPathError("get", path, err)
	}
	if err := m.backend.Get(ctx, path, dst); err != nil {
		return NewPathError("get", path, err)
	}
	m.logger.DebugContext(ctx, "got artefact", "path", path, "destination", dst)
	return nil
}

// GetBytes returns the content of the file at src. Small bodies are cached
// on the artefact for repeated reads.
func (m *Manager) GetBytes(ctx context.Context, src Ref) ([]byte, error) {
	art, path, err := m.resolveRef(ctx, "get", src)
	if err != nil {
		return nil, err
	}
	file, ok := art.(*File)
	if !ok {
		return nil, NewPathError("get", path, ErrArtefactType).
			WithMessage("cannot read bytes of a directory")
	}
	b, err := m.backend.GetBytes(ctx, path)
	if err != nil {
		return nil, NewPathError("get", path, err)
	}
	file.cacheContent(b)
	return b, nil
}

// digest answers a file's content digest: the backend fast path when
// available, an MD5 over the content otherwise.
func (m *Manager) digest(ctx context.Context, f *File) (string, error) {
	path := f.Path()
	if m.backend.Capabilities().Has(CapDigest) {
		if d, ok := m.backend.(Digester); ok {
			digest, err := d.Digest(ctx, path)
			if err == nil && digest != "" {
				return digest, nil
			}
			if err != nil && !errors.Is(err, ErrArtefactNotFound) {
				return "", NewPathError("digest", path, err)
			}
		}
	}
	b, err := m.backend.GetBytes(ctx, path)
	if err != nil {
		return "", NewPathError("digest", path, err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// ensureDirectory auto-vivifies the directory at path and its ancestors in
// the cache, identifying uncached ones on the backend. An ancestor that
// exists as a File fails the whole chain with ErrArtefactType.
func (m *Manager) ensureDirectory(ctx context.Context, path string) (*Directory, error) {
	root, _ := m.resolve(ctx, "/")
	current := root.(*Directory)
	if path == "/" {
		return current, nil
	}

	prefix := ""
	for _, segment := range splitSegments(path) {
		prefix += "/" + segment

		if cached, ok := m.reg.get(prefix); ok {
			dir, isDir := cached.(*Directory)
			if !isDir {
				return nil, NewPathError("ensure", prefix, ErrArtefactType).
					WithMessage("ancestor is a file")
			}
			current = dir
			continue
		}

		info, err := m.backend.Identify(ctx, prefix)
		switch {
		case errors.Is(err, ErrArtefactNotFound):
			// Vivify: the directory will exist once content lands under it.
			current = m.reg.adopt(m.newArtefact(Info{Path: prefix, Kind: KindDirectory})).(*Directory)
		case err != nil:
			return nil, NewPathError("ensure", prefix, err)
		case info.Kind == KindFile:
			return nil, NewPathError("ensure", prefix, ErrArtefactType).
				WithMessage("ancestor is a file")
		default:
			current = m.adoptInfo(info).(*Directory)
		}
	}
	return current, nil
}

// MkdirOption configures Mkdir.
type MkdirOption func(*mkdirConfig)

type mkdirConfig struct {
	ignoreExists bool
	overwrite    bool
}

// MkdirIgnoreExists makes Mkdir idempotent when the path is already a
// directory.
func MkdirIgnoreExists() MkdirOption {
	return func(c *mkdirConfig) { c.ignoreExists = true }
}

// MkdirOverwrite makes Mkdir replace an existing directory with an empty one
// rather than failing.
func MkdirOverwrite() MkdirOption {
	return func(c *mkdirConfig) { c.overwrite = true }
}

// Mkdir creates a directory at path.
func (m *Manager) Mkdir(ctx context.Context, ref Ref, opts ...MkdirOption) (*Directory, error) {
	cfg := mkdirConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := m.checkOwned("mkdir", ref); err != nil {
		return nil, err
	}
	path := refPath(ref)

	art, err := m.resolve(ctx, path)
	if err != nil && !errors.Is(err, ErrArtefactNotFound) {
		return nil, NewPathError("mkdir", path, err)
	}
	if err == nil {
		dir, isDir := art.(*Directory)
		if !isDir {
			return nil, NewPathError("mkdir", path, ErrOperationNotPermitted).
				WithMessage("path is a file")
		}
		switch {
		case cfg.overwrite:
			if err := m.backend.Remove(ctx, path); err != nil {
				return nil, NewPathError("mkdir", path, err)
			}
			m.reg.markDeleted(path)
		case cfg.ignoreExists:
			return dir, nil
		default:
			return nil, NewPathError("mkdir", path, ErrOperationNotPermitted).
				WithMessage("directory already exists")
		}
	}

	dir, err := m.putEmptyDirectory(ctx, "mkdir", path)
	if err != nil {
		return nil, err
	}
	dir.setCollected(true)
	return dir, nil
}

// putEmptyDirectory writes an empty directory at path. The primitive set has
// no mkdir: an empty local directory is put, exactly how an empty directory
// would arrive from any other source.
func (m *Manager) putEmptyDirectory(ctx context.Context, op, path string) (*Directory, error) {
	tmp, err := os.MkdirTemp("", "stow-mkdir-")
	if err != nil {
		return nil, NewPathError(op, path, err)
	}
	defer os.RemoveAll(tmp)

	info, err := m.backend.Put(ctx, tmp, path)
	if err != nil {
		m.reg.invalidate(path)
		return nil, NewPathError(op, path, err)
	}
	info.Path, info.Kind = path, KindDirectory
	return m.adoptInfo(info).(*Directory), nil
}

// TouchOption configures Touch.
type TouchOption func(*touchConfig)

type touchConfig struct {
	times    *time.Time
	metadata map[string]string
}

// TouchWithTime records an explicit modification time instead of now.
func TouchWithTime(t time.Time) TouchOption {
	return func(c *touchConfig) { c.times = &t }
}

// TouchWithMetadata attaches metadata to the touched file.
func TouchWithMetadata(md map[string]string) TouchOption {
	return func(c *touchConfig) { c.metadata = md }
}

// Touch creates an empty File at path when absent; when the file already
// exists its times and metadata are updated without touching content.
func (m *Manager) Touch(ctx context.Context, ref Ref, opts ...TouchOption) (*File, error) {
	cfg := touchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := m.checkOwned("touch", ref); err != nil {
		return nil, err
	}
	path := refPath(ref)

	art, err := m.resolve(ctx, path)
	switch {
	case errors.Is(err, ErrArtefactNotFound):
		created, putErr := m.Put(ctx, Bytes(nil), Path(path))
		if putErr != nil {
			return nil, putErr
		}
		file := created.(*File)
		m.applyTouch(file, cfg)
		return file, nil
	case err != nil:
		return nil, NewPathError("touch", path, err)
	}

	file, ok := art.(*File)
	if !ok {
		return nil, NewPathError("touch", path, ErrArtefactType).
			WithMessage("cannot touch a directory")
	}
	m.applyTouch(file, cfg)
	return file, nil
}

// applyTouch updates the cached attributes. Whether the backing store can
// persist times is backend-specific; the manager records the observed state.
func (m *Manager) applyTouch(file *File, cfg touchConfig) {
	now := time.Now()
	if cfg.times != nil {
		now = *cfg.times
	}
	file.mu.Lock()
	file.modTime = now
	file.accessTime = now
	if cfg.metadata != nil {
		file.metadata = cfg.metadata
	}
	file.mu.Unlock()
}

// RmOption configures Rm.
type RmOption func(*rmConfig)

type rmConfig struct {
	recursive bool
}

// RmRecursive permits removal of a non-empty directory.
func RmRecursive() RmOption {
	return func(c *rmConfig) { c.recursive = true }
}

// Rm removes the artefact at ref. A non-empty directory is refused unless
// RmRecursive is given. On success the artefact, and for directories every
// cached descendant, transitions to the deleted state in place, so other
// holders of the references observe the change.
func (m *Manager) Rm(ctx context.Context, ref Ref, opts ...RmOption) error {
	cfg := rmConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	art, path, err := m.resolveRef(ctx, "rm", ref)
	if err != nil {
		return err
	}

	if dir, ok := art.(*Directory); ok && !cfg.recursive {
		empty, err := dir.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return NewPathError("rm", path, ErrOperationNotPermitted).
				WithMessage("directory not empty and recursive not set")
		}
	}

	if err := m.backend.Remove(ctx, path); err != nil {
		return NewPathError("rm", path, err)
	}
	m.reg.markDeleted(path)
	m.logger.DebugContext(ctx, "removed artefact", "path", path)
	return nil
}

// String identifies the manager by scheme and root for logs and errors.
func (m *Manager) String() string {
	return fmt.Sprintf("stow.Manager(%s://%s)", m.backend.Scheme(), m.backend.Abspath("/"))
}

package stow

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Source is what a write operation can consume: literal bytes, a local
// filesystem location outside any manager, or an artefact reference on the
// destination manager itself.
type Source interface {
	isSource()
}

// Bytes is literal file content used as a write source.
type Bytes []byte

func (Bytes) isSource() {}

// Local addresses a file or directory on the local filesystem, outside the
// manager, used as a write source.
type Local string

func (Local) isSource() {}

func (Path) isSource()      {}
func (*artefact) isSource() {}

// PutOption configures the write operations.
type PutOption func(*putConfig)

type putConfig struct {
	overwrite    bool
	merge        bool
	deleteSource bool
}

// PutWithOverwrite permits replacing an existing destination artefact,
// including a whole directory subtree.
func PutWithOverwrite() PutOption {
	return func(c *putConfig) { c.overwrite = true }
}

// PutWithMerge makes a directory-onto-directory put a recursive union in
// which source entries win on path conflicts.
func PutWithMerge() PutOption {
	return func(c *putConfig) { c.merge = true }
}

// PutWithDeleteSource deletes the source as part of the same scheduled unit
// of work as the write. This is what Mv applies.
func PutWithDeleteSource() PutOption {
	return func(c *putConfig) { c.deleteSource = true }
}

// Put writes src at dst. Destination conflicts resolve as follows: an absent
// destination is created along with missing ancestors and written literally
// (no basename append); an existing file requires PutWithOverwrite; an
// existing directory requires PutWithOverwrite (full replacement) or, for a
// directory source, PutWithMerge (recursive union, source wins). With
// PutWithDeleteSource the source deletion is ordered strictly after the
// paired write inside one unit of work.
func (m *Manager) Put(ctx context.Context, src Source, dst Ref, opts ...PutOption) (Artefact, error) {
	cfg := putConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return m.put(ctx, "put", src, dst, cfg)
}

// Cp copies src to dst: Put without source deletion.
func (m *Manager) Cp(ctx context.Context, src Source, dst Ref, opts ...PutOption) (Artefact, error) {
	cfg := putConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.deleteSource = false
	return m.put(ctx, "cp", src, dst, cfg)
}

// Mv moves src to dst: Put with source deletion. A directory source moves
// its children through the worker pool with deferred cleanup of the emptied
// source directories; a same-backend source uses the backend's native move
// when available.
func (m *Manager) Mv(ctx context.Context, src Source, dst Ref, opts ...PutOption) (Artefact, error) {
	cfg := putConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.deleteSource = true
	return m.put(ctx, "mv", src, dst, cfg)
}

// putSource is the classified form of a write source.
type putSource struct {
	bytes    []byte // literal content when art == nil and local == ""
	local    string // local filesystem location
	art      Artefact
	isDir    bool
	artefact bool
}

func (m *Manager) classifySource(ctx context.Context, op string, src Source) (putSource, error) {
	switch s := src.(type) {
	case Bytes:
		return putSource{bytes: []byte(s)}, nil
	case Local:
		info, err := os.Stat(string(s))
		if err != nil {
			return putSource{}, NewPathError(op, string(s), ErrArtefactNotFound).
				WithMessage("local source unavailable")
		}
		return putSource{local: string(s), isDir: info.IsDir()}, nil
	case Ref:
		art, _, err := m.resolveRef(ctx, op, s)
		if err != nil {
			return putSource{}, err
		}
		_, isDir := art.(*Directory)
		return putSource{art: art, isDir: isDir, artefact: true}, nil
	default:
		return putSource{}, NewError(op, ErrOperationNotPermitted).
			WithMessage("unsupported source type")
	}
}

func (m *Manager) put(ctx context.Context, op string, src Source, dst Ref, cfg putConfig) (Artefact, error) {
	if err := m.checkOwned(op, dst); err != nil {
		return nil, err
	}
	dstPath := refPath(dst)

	source, err := m.classifySource(ctx, op, src)
	if err != nil {
		return nil, err
	}
	if source.artefact && source.art.Path() == dstPath {
		return source.art, nil
	}

	merge, err := m.prepareDestination(ctx, op, dstPath, source, cfg)
	if err != nil {
		return nil, err
	}

	if merge {
		if err := m.mergeDirectories(ctx, op, source, dstPath, cfg); err != nil {
			return nil, err
		}
		return m.finishPut(ctx, op, dstPath)
	}

	// Same-backend native move fast path: the backend relocates the object
	// and the cached artefacts follow their paths.
	if cfg.deleteSource && source.artefact && m.backend.Capabilities().Has(CapNativeMove) {
		if mover, ok := m.backend.(Mover); ok {
			srcPath := source.art.Path()
			if err := mover.Move(ctx, srcPath, dstPath); err != nil {
				return nil, NewPathError(op, srcPath, err)
			}
			m.reg.move(srcPath, dstPath)
			return m.finishPut(ctx, op, dstPath)
		}
	}

	if cfg.deleteSource && source.isDir && source.artefact {
		// Recursive directory move: children fan out across the pool, each
		// as one write-then-delete unit; the emptied source tree is cleaned
		// up once the last descendant lands.
		if err := m.moveDirectory(ctx, source.art.(*Directory), dstPath); err != nil {
			return nil, err
		}
		art, err := m.finishPut(ctx, op, dstPath)
		if errors.Is(err, ErrArtefactNotFound) {
			// The source held no files; the destination exists only as a
			// vivified directory until content lands under it.
			return m.ensureDirectory(ctx, dstPath)
		}
		return art, err
	}

	if err := m.writeSource(ctx, op, source, dstPath); err != nil {
		return nil, err
	}

	if cfg.deleteSource {
		// Same unit of work as the write above, strictly after its success.
		if err := m.deleteSource(ctx, op, source); err != nil {
			return nil, err
		}
	}
	return m.finishPut(ctx, op, dstPath)
}

// prepareDestination applies the conflict-resolution table: it clears the
// destination when that is what the flags call for, reports whether the
// write should proceed as a directory merge, and refuses everything else.
func (m *Manager) prepareDestination(ctx context.Context, op, dstPath string, source putSource, cfg putConfig) (merge bool, err error) {
	dstArt, err := m.resolve(ctx, dstPath)
	switch {
	case errors.Is(err, ErrArtefactNotFound):
		if _, err := m.ensureDirectory(ctx, Dirname(dstPath)); err != nil {
			return false, err
		}
		return false, nil
	case err != nil:
		return false, NewPathError(op, dstPath, err)
	}

	if _, dstIsDir := dstArt.(*Directory); dstIsDir {
		if source.isDir && cfg.merge {
			return true, nil
		}
		if !cfg.overwrite {
			return false, NewPathError(op, dstPath, ErrOperationNotPermitted).
				WithMessage("destination is a directory and overwrite not set")
		}
	} else if !cfg.overwrite {
		return false, NewPathError(op, dstPath, ErrOperationNotPermitted).
			WithMessage("destination exists and overwrite not set")
	}

	if err := m.backend.Remove(ctx, dstPath); err != nil {
		return false, NewPathError(op, dstPath, err)
	}
	m.reg.markDeleted(dstPath)
	return false, nil
}

// writeSource lands the source content literally at dstPath.
func (m *Manager) writeSource(ctx context.Context, op string, source putSource, dstPath string) error {
	switch {
	case source.artefact:
		// Materialize through localise: zero copy on local backends, a
		// scratch download elsewhere.
		local, err := m.Localise(ctx, source.art)
		if err != nil {
			return err
		}
		defer local.Discard()
		if _, err := m.backend.Put(ctx, local.Path(), dstPath); err != nil {
			return NewPathError(op, dstPath, err)
		}
	case source.local != "":
		if _, err := m.backend.Put(ctx, source.local, dstPath); err != nil {
			return NewPathError(op, dstPath, err)
		}
	default:
		if _, err := m.backend.PutBytes(ctx, source.bytes, dstPath); err != nil {
			return NewPathError(op, dstPath, err)
		}
	}
	return nil
}

// deleteSource removes the origin of a completed move.
func (m *Manager) deleteSource(ctx context.Context, op string, source putSource) error {
	switch {
	case source.artefact:
		srcPath := source.art.Path()
		if err := m.backend.Remove(ctx, srcPath); err != nil {
			return NewPathError(op, srcPath, err)
		}
		m.reg.markDeleted(srcPath)
	case source.local != "":
		if err := os.RemoveAll(source.local); err != nil {
			return NewPathError(op, source.local, err)
		}
	}
	return nil
}

// finishPut identifies the freshly written destination and folds it into the
// cache. A failed identify after a successful write evicts the stale entry.
func (m *Manager) finishPut(ctx context.Context, op, dstPath string) (Artefact, error) {
	info, err := m.backend.Identify(ctx, dstPath)
	if err != nil {
		m.reg.invalidate(dstPath)
		return nil, NewPathError(op, dstPath, err)
	}
	art := m.adoptInfo(info)
	if dir, ok := art.(*Directory); ok {
		// Contents changed wholesale under this path; force re-enumeration.
		dir.setCollected(false)
	}
	m.logger.DebugContext(ctx, "wrote artefact", "op", op, "path", dstPath)
	return art, nil
}

// mergeDirectories unions the source directory into the destination, source
// entries winning on conflicts. File transfers fan out across the pool;
// individual failures are aggregated, not fatal.
func (m *Manager) mergeDirectories(ctx context.Context, op string, source putSource, dstPath string, cfg putConfig) error {
	entries, err := m.sourceEntries(ctx, op, source)
	if err != nil {
		return err
	}

	b := m.newBatch(ctx, op)
	for _, entry := range entries {
		target := Join(dstPath, entry.rel)
		if entry.isDir {
			// Backed, not just vivified: a source directory with no files
			// must still appear on the destination.
			if _, err := m.materializeDirectory(ctx, op, target); err != nil {
				b.record(err)
			}
			continue
		}
		b.submit(func(ctx context.Context) error {
			// Source wins: clear whatever occupies the target first.
			if err := m.backend.Remove(ctx, target); err != nil && !errors.Is(err, ErrArtefactNotFound) {
				return NewPathError(op, target, err)
			}
			m.reg.markDeleted(target)
			if err := m.writeSource(ctx, op, entry.source, target); err != nil {
				return err
			}
			if cfg.deleteSource {
				return m.deleteSource(ctx, op, entry.source)
			}
			return nil
		})
	}
	if err := b.wait(); err != nil {
		return err
	}

	if cfg.deleteSource && source.artefact {
		srcPath := source.art.Path()
		if err := m.backend.Remove(ctx, srcPath); err != nil && !errors.Is(err, ErrArtefactNotFound) {
			return NewPathError(op, srcPath, err)
		}
		m.reg.markDeleted(srcPath)
	}
	return nil
}

// moveDirectory relocates a directory subtree child by child. Every file
// move is a single pooled task performing the write and then the delete; a
// shared counter defers removal of the emptied source directories until the
// last descendant has landed. The cleanup takes only directories verified
// empty, so a child whose write failed keeps its source file and every
// ancestor above it.
func (m *Manager) moveDirectory(ctx context.Context, srcDir *Directory, dstPath string) error {
	srcPath := srcDir.Path()

	var files []*File
	srcDirs := []string{srcPath}
	for art, err := range m.LsIter(ctx, srcDir, LsRecursive()) {
		if err != nil {
			return err
		}
		switch child := art.(type) {
		case *File:
			files = append(files, child)
		case *Directory:
			srcDirs = append(srcDirs, child.Path())
			rel, relErr := RelPath(child.Path(), srcPath)
			if relErr != nil {
				return relErr
			}
			if _, err := m.materializeDirectory(ctx, "mv", Join(dstPath, rel)); err != nil {
				return err
			}
		}
	}
	if _, err := m.ensureDirectory(ctx, dstPath); err != nil {
		return err
	}

	b := m.newBatch(ctx, "mv")
	counter := newMoveCounter(func() {
		m.removeEmptiedDirectories(context.WithoutCancel(ctx), b, srcDirs)
	})

	for _, file := range files {
		filePath := file.Path()
		rel, err := RelPath(filePath, srcPath)
		if err != nil {
			return err
		}
		target := Join(dstPath, rel)

		counter.add()
		b.submit(func(ctx context.Context) error {
			defer counter.done()
			if err := m.writeSource(ctx, "mv", putSource{art: file, artefact: true}, target); err != nil {
				return err
			}
			if err := m.backend.Remove(ctx, filePath); err != nil {
				return NewPathError("mv", filePath, err)
			}
			m.reg.markDeleted(filePath)
			return nil
		})
	}

	// Release the submitter's reference; cleanup runs in whichever task hits
	// zero, or right here when there were no files at all.
	counter.done()
	return b.wait()
}

// removeEmptiedDirectories deletes source directories left behind by a
// recursive move, deepest first, skipping any directory that still holds
// children. Removal is delete-if-exists so prefix-derived directories that
// vanished with their last object are simply marked off.
func (m *Manager) removeEmptiedDirectories(ctx context.Context, b *batch, dirs []string) {
	remaining := make([]string, len(dirs))
	copy(remaining, dirs)
	sort.Slice(remaining, func(i, j int) bool { return len(remaining[i]) > len(remaining[j]) })

	for _, dir := range remaining {
		infos, err := m.backend.List(ctx, dir)
		switch {
		case errors.Is(err, ErrArtefactNotFound):
			m.reg.markDeleted(dir)
			continue
		case err != nil:
			b.record(NewPathError("mv", dir, err))
			continue
		case len(infos) != 0:
			continue
		}
		if err := m.backend.Remove(ctx, dir); err != nil && !errors.Is(err, ErrArtefactNotFound) {
			b.record(NewPathError("mv", dir, err))
			continue
		}
		m.reg.markDeleted(dir)
	}
}

// materializeDirectory is ensureDirectory plus a backing write: when the
// backend has nothing at the path an empty directory is created there, so
// directories that never receive content still survive the transfer.
func (m *Manager) materializeDirectory(ctx context.Context, op, path string) (*Directory, error) {
	dir, err := m.ensureDirectory(ctx, path)
	if err != nil {
		return nil, err
	}
	_, err = m.backend.Identify(ctx, path)
	switch {
	case err == nil:
		return dir, nil
	case !errors.Is(err, ErrArtefactNotFound):
		return nil, NewPathError(op, path, err)
	}
	return m.putEmptyDirectory(ctx, op, path)
}

// putEntry is one artefact inside a directory source, addressed relative to
// the source root.
type putEntry struct {
	rel    string
	isDir  bool
	source putSource
}

// sourceEntries enumerates a directory source recursively.
func (m *Manager) sourceEntries(ctx context.Context, op string, source putSource) ([]putEntry, error) {
	var entries []putEntry

	if source.artefact {
		srcPath := source.art.Path()
		for art, err := range m.LsIter(ctx, source.art.(*Directory), LsRecursive()) {
			if err != nil {
				return nil, err
			}
			rel, relErr := RelPath(art.Path(), srcPath)
			if relErr != nil {
				return nil, relErr
			}
			_, isDir := art.(*Directory)
			entries = append(entries, putEntry{
				rel:    rel,
				isDir:  isDir,
				source: putSource{art: art, isDir: isDir, artefact: true},
			})
		}
		return entries, nil
	}

	root := source.local
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, putEntry{
			rel:    filepath.ToSlash(rel),
			isDir:  d.IsDir(),
			source: putSource{local: p, isDir: d.IsDir()},
		})
		return nil
	})
	if err != nil {
		return nil, NewPathError(op, root, err)
	}
	return entries, nil
}

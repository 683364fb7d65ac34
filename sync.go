package stow

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SyncStrategy decides whether a destination file is stale relative to its
// source counterpart.
type SyncStrategy int

const (
	// StrategyMTime transfers a file only when the source modification time
	// is strictly newer than the destination's. Equal times mean no copy.
	StrategyMTime SyncStrategy = iota
	// StrategyDigest transfers a file when the content digests differ,
	// regardless of timestamps.
	StrategyDigest
)

// SyncOption configures Sync.
type SyncOption func(*syncConfig)

type syncConfig struct {
	strategy SyncStrategy
	delete   bool
}

// SyncWithStrategy selects the staleness comparison. The default is
// StrategyMTime.
func SyncWithStrategy(s SyncStrategy) SyncOption {
	return func(c *syncConfig) { c.strategy = s }
}

// SyncWithDelete prunes destination entries that have no counterpart in the
// source: files first, then directories emptied by the pass.
func SyncWithDelete() SyncOption {
	return func(c *syncConfig) { c.delete = true }
}

// syncFile is one source file in manager-relative terms, with the
// comparisons and the transfer handle Sync needs.
type syncFile struct {
	rel     string
	modTime time.Time
	digest  func(ctx context.Context) (string, error)
	source  Source
}

// Sync makes the directory at dst mirror the directory source. Source may
// be a Ref on this manager or a Local directory outside it. Files absent
// from the destination are copied; files present on both sides transfer
// only when the strategy judges the destination stale. A file on one side
// colliding with a directory on the other is reported, not resolved.
// Per-file failures are aggregated so one bad artefact never aborts the
// rest of the walk.
func (m *Manager) Sync(ctx context.Context, source Source, dst Ref, opts ...SyncOption) error {
	const op = "sync"
	cfg := syncConfig{strategy: StrategyMTime}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := m.checkOwned(op, dst); err != nil {
		return err
	}
	dstPath := refPath(dst)

	srcFiles, srcDirs, err := m.syncSource(ctx, op, source)
	if err != nil {
		return err
	}

	dstDir, err := m.ensureDirectory(ctx, dstPath)
	if err != nil {
		return err
	}
	dstFiles := map[string]*File{}
	dstDirs := map[string]*Directory{}
	for art, iterErr := range m.LsIter(ctx, dstDir, LsRecursive()) {
		if iterErr != nil {
			return iterErr
		}
		rel, relErr := RelPath(art.Path(), dstPath)
		if relErr != nil {
			return relErr
		}
		switch child := art.(type) {
		case *File:
			dstFiles[rel] = child
		case *Directory:
			dstDirs[rel] = child
		}
	}

	b := m.newBatch(ctx, op)
	for _, src := range srcFiles {
		src := src
		target := Join(dstPath, src.rel)

		if _, collides := dstDirs[src.rel]; collides {
			b.record(NewPathError(op, target, ErrArtefactType).
				WithMessage("file in source, directory in destination"))
			continue
		}

		existing, present := dstFiles[src.rel]
		b.submit(func(ctx context.Context) error {
			if present {
				stale, err := m.syncStale(ctx, cfg.strategy, src, existing)
				if err != nil {
					return err
				}
				if !stale {
					return nil
				}
			}
			if err := m.writeSource(ctx, op, m.transferSource(src), target); err != nil {
				return err
			}
			_, err := m.finishPut(ctx, op, target)
			return err
		})
	}

	for rel := range srcDirs {
		if _, collides := dstFiles[rel]; collides {
			b.record(NewPathError(op, Join(dstPath, rel), ErrArtefactType).
				WithMessage("directory in source, file in destination"))
			continue
		}
		if _, err := m.ensureDirectory(ctx, Join(dstPath, rel)); err != nil {
			b.record(err)
		}
	}
	if err := b.wait(); err != nil {
		return err
	}

	if cfg.delete {
		return m.syncDelete(ctx, op, srcFiles, srcDirs, dstFiles, dstDirs, dstPath)
	}
	return nil
}

// syncStale reports whether the destination file should be replaced.
func (m *Manager) syncStale(ctx context.Context, strategy SyncStrategy, src syncFile, dst *File) (bool, error) {
	switch strategy {
	case StrategyDigest:
		srcDigest, err := src.digest(ctx)
		if err != nil {
			return false, err
		}
		dstDigest, err := dst.Digest(ctx)
		if err != nil {
			return false, err
		}
		return srcDigest != dstDigest, nil
	default:
		dstTime, err := dst.ModifiedTime()
		if err != nil {
			return false, err
		}
		return src.modTime.After(dstTime), nil
	}
}

// transferSource converts a sync entry back into a write source.
func (m *Manager) transferSource(src syncFile) putSource {
	switch s := src.source.(type) {
	case Local:
		return putSource{local: string(s)}
	default:
		return putSource{art: s.(Artefact), artefact: true}
	}
}

// syncDelete removes destination files with no source counterpart, then the
// directories the pass emptied, deepest first.
func (m *Manager) syncDelete(ctx context.Context, op string, srcFiles map[string]syncFile, srcDirs map[string]struct{}, dstFiles map[string]*File, dstDirs map[string]*Directory, dstPath string) error {
	b := m.newBatch(ctx, op)
	for rel, file := range dstFiles {
		if _, keep := srcFiles[rel]; keep {
			continue
		}
		path := file.Path()
		b.submit(func(ctx context.Context) error {
			if err := m.backend.Remove(ctx, path); err != nil && !errors.Is(err, ErrArtefactNotFound) {
				return NewPathError(op, path, err)
			}
			m.reg.markDeleted(path)
			return nil
		})
	}
	if err := b.wait(); err != nil {
		return err
	}

	var orphans []string
	for rel := range dstDirs {
		if _, keep := srcDirs[rel]; !keep {
			orphans = append(orphans, rel)
		}
	}
	// Children before parents.
	sort.Slice(orphans, func(i, j int) bool { return len(orphans[i]) > len(orphans[j]) })

	errs := BatchError{Op: op}
	for _, rel := range orphans {
		dir := dstDirs[rel]
		empty, err := dir.IsEmpty(ctx)
		if err != nil {
			errs.append(err)
			continue
		}
		if !empty {
			continue
		}
		path := dir.Path()
		if err := m.backend.Remove(ctx, path); err != nil && !errors.Is(err, ErrArtefactNotFound) {
			errs.append(NewPathError(op, path, err))
			continue
		}
		m.reg.markDeleted(path)
	}
	return errs.orNil()
}

// syncSource enumerates the source side into relative file entries plus the
// set of relative directory paths.
func (m *Manager) syncSource(ctx context.Context, op string, source Source) (map[string]syncFile, map[string]struct{}, error) {
	files := map[string]syncFile{}
	dirs := map[string]struct{}{}

	switch s := source.(type) {
	case Local:
		root := string(s)
		info, err := os.Stat(root)
		if err != nil {
			return nil, nil, NewPathError(op, root, ErrArtefactNotFound).
				WithMessage("local source unavailable")
		}
		if !info.IsDir() {
			return nil, nil, NewPathError(op, root, ErrArtefactType).
				WithMessage("sync source must be a directory")
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
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
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				dirs[rel] = struct{}{}
				return nil
			}
			fi, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			local := p
			files[rel] = syncFile{
				rel:     rel,
				modTime: fi.ModTime(),
				digest:  func(context.Context) (string, error) { return localDigest(local) },
				source:  Local(local),
			}
			return nil
		})
		if err != nil {
			return nil, nil, NewPathError(op, root, err)
		}
		return files, dirs, nil

	case Ref:
		art, srcPath, err := m.resolveRef(ctx, op, s)
		if err != nil {
			return nil, nil, err
		}
		srcDir, ok := art.(*Directory)
		if !ok {
			return nil, nil, NewPathError(op, srcPath, ErrArtefactType).
				WithMessage("sync source must be a directory")
		}
		for child, iterErr := range m.LsIter(ctx, srcDir, LsRecursive()) {
			if iterErr != nil {
				return nil, nil, iterErr
			}
			rel, relErr := RelPath(child.Path(), srcPath)
			if relErr != nil {
				return nil, nil, relErr
			}
			switch c := child.(type) {
			case *File:
				file := c
				modTime, mtErr := file.ModifiedTime()
				if mtErr != nil {
					return nil, nil, mtErr
				}
				files[rel] = syncFile{
					rel:     rel,
					modTime: modTime,
					digest:  file.Digest,
					source:  file,
				}
			case *Directory:
				dirs[rel] = struct{}{}
			}
		}
		return files, dirs, nil

	default:
		return nil, nil, NewError(op, ErrOperationNotPermitted).
			WithMessage("unsupported sync source")
	}
}

// localDigest hashes a local file the same way backends report content
// digests, so digest-strategy comparisons line up across the boundary.
func localDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

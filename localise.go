package stow

import (
	"context"
	"errors"
	"os"
)

// LocalHandle is a checked-out local rendition of a manager artefact. Work
// against Path(), then either Commit to push the result back or Discard to
// abandon it. Exactly one of the two must be called; both release the
// scratch space. On a local backend the handle is the real storage location
// itself, so edits land directly and Discard cannot undo them.
type LocalHandle struct {
	manager *Manager
	path    string // canonical manager path
	local   string // filesystem location handed to the caller
	tempDir string // scratch root, empty on the zero-copy path
	done    bool
}

// Localise checks the artefact at ref out to the local filesystem. The
// destination may be absent; the handle then starts empty and Commit creates
// the artefact. On a backend that already lives on the local filesystem the
// real path is yielded directly with no copy.
func (m *Manager) Localise(ctx context.Context, ref Ref) (*LocalHandle, error) {
	const op = "localise"
	if err := m.checkOwned(op, ref); err != nil {
		return nil, err
	}
	path := refPath(ref)

	if m.backend.Capabilities().Has(CapLocal) {
		abspath := m.backend.Abspath(path)
		if err := os.MkdirAll(Dirname(abspath), 0o755); err != nil {
			return nil, NewPathError(op, path, err)
		}
		return &LocalHandle{manager: m, path: path, local: abspath}, nil
	}

	tempDir, err := os.MkdirTemp("", "stow-localise-")
	if err != nil {
		return nil, NewPathError(op, path, err)
	}
	local := tempDir + string(os.PathSeparator) + Basename(path)

	if _, resolveErr := m.resolve(ctx, path); resolveErr == nil {
		if err := m.backend.Get(ctx, path, local); err != nil {
			_ = os.RemoveAll(tempDir)
			return nil, NewPathError(op, path, err)
		}
	} else if !errors.Is(resolveErr, ErrArtefactNotFound) {
		_ = os.RemoveAll(tempDir)
		return nil, NewPathError(op, path, resolveErr)
	}

	return &LocalHandle{manager: m, path: path, local: local, tempDir: tempDir}, nil
}

// Path is the local filesystem location to read and edit.
func (l *LocalHandle) Path() string { return l.local }

// Commit pushes the local state back to the manager, replacing the previous
// artefact entirely, and releases the handle. Deleting the local path inside
// the session deletes the remote artefact on commit. On a zero-copy local
// handle there is nothing to push; the cache is reconciled with whatever the
// session left on disk.
func (l *LocalHandle) Commit(ctx context.Context) error {
	const op = "localise"
	if l.done {
		return nil
	}
	l.done = true
	m := l.manager

	if l.tempDir == "" {
		_, err := m.Exists(ctx, Path(l.path))
		return err
	}
	defer os.RemoveAll(l.tempDir)

	fi, err := os.Stat(l.local)
	if err != nil {
		// Local rendition gone: propagate the deletion.
		if removeErr := m.backend.Remove(ctx, l.path); removeErr != nil && !errors.Is(removeErr, ErrArtefactNotFound) {
			return NewPathError(op, l.path, removeErr)
		}
		m.reg.markDeleted(l.path)
		return nil
	}

	// A file landing on a file overwrites in place, so the previous artefact
	// outlives a failed write. Directory replacement and kind changes need
	// the old state cleared first.
	remote, identifyErr := m.backend.Identify(ctx, l.path)
	switch {
	case errors.Is(identifyErr, ErrArtefactNotFound):
	case identifyErr != nil:
		return NewPathError(op, l.path, identifyErr)
	case fi.IsDir() || remote.Kind == KindDirectory:
		if err := m.backend.Remove(ctx, l.path); err != nil && !errors.Is(err, ErrArtefactNotFound) {
			return NewPathError(op, l.path, err)
		}
		m.reg.markDeleted(l.path)
	}
	if _, err := m.ensureDirectory(ctx, Dirname(l.path)); err != nil {
		return err
	}
	info, err := m.backend.Put(ctx, l.local, l.path)
	if err != nil {
		return NewPathError(op, l.path, err)
	}
	art := m.adoptInfo(info)
	if dir, ok := art.(*Directory); ok {
		dir.setCollected(false)
	}
	return nil
}

// Discard releases the handle without pushing anything back. Scratch state
// from a remote checkout is deleted; on a zero-copy local handle the edits
// already live in storage and only the cache is left to catch up later.
func (l *LocalHandle) Discard() error {
	if l.done {
		return nil
	}
	l.done = true
	if l.tempDir != "" {
		return os.RemoveAll(l.tempDir)
	}
	return nil
}

// WithLocal runs fn against a localised rendition of ref. The write-back
// happens only when fn returns nil; an error from fn discards the scratch
// state and is returned unchanged, making the session all-or-nothing on
// remote backends.
func (m *Manager) WithLocal(ctx context.Context, ref Ref, fn func(localPath string) error) error {
	handle, err := m.Localise(ctx, ref)
	if err != nil {
		return err
	}
	if err := fn(handle.Path()); err != nil {
		_ = handle.Discard()
		return err
	}
	return handle.Commit(ctx)
}

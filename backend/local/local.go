// Package local adapts a filesystem to the stow backend contract through
// go-billy, covering both a rooted slice of the host disk and a fully
// in-memory filesystem.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/Kieran-Bacon/stow"
)

const (
	// SchemeFile is the connection scheme for disk-rooted backends.
	SchemeFile = "file"
	// SchemeMemory is the connection scheme for in-memory backends.
	SchemeMemory = "mem"
)

// Backend serves a billy filesystem as stow storage. Disk-rooted backends
// report CapLocal, which lets the manager hand out real paths instead of
// scratch copies when localising.
type Backend struct {
	fs     billy.Filesystem
	root   string // host directory for disk backends, "" for memory
	scheme string
	caps   stow.Capability
}

// New serves the host directory root. The directory is created when absent.
func New(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root %q: %w", abs, err)
	}
	return &Backend{
		fs:     osfs.New(abs),
		root:   abs,
		scheme: SchemeFile,
		caps:   stow.CapLocal | stow.CapNativeMove | stow.CapDigest,
	}, nil
}

// NewMemory serves a fresh in-memory filesystem. Contents do not outlive the
// process; the backend is primarily for tests and scratch pipelines.
func NewMemory() *Backend {
	return &Backend{
		fs:     memfs.New(),
		scheme: SchemeMemory,
		caps:   stow.CapNativeMove | stow.CapDigest,
	}
}

func (b *Backend) Identify(ctx context.Context, p string) (stow.Info, error) {
	fi, err := b.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return stow.Info{}, stow.ErrArtefactNotFound
		}
		return stow.Info{}, fmt.Errorf("local: stat %q: %w", p, err)
	}
	return b.infoFor(p, fi), nil
}

func (b *Backend) infoFor(p string, fi os.FileInfo) stow.Info {
	info := stow.Info{
		Path:    p,
		ModTime: fi.ModTime(),
	}
	if fi.IsDir() {
		info.Kind = stow.KindDirectory
	} else {
		info.Kind = stow.KindFile
		info.Size = fi.Size()
	}
	return info
}

func (b *Backend) Get(ctx context.Context, p, localDst string) error {
	fi, err := b.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return stow.ErrArtefactNotFound
		}
		return fmt.Errorf("local: stat %q: %w", p, err)
	}
	if fi.IsDir() {
		return b.getTree(p, localDst)
	}
	return b.getFile(p, localDst)
}

func (b *Backend) getFile(p, localDst string) error {
	if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
		return fmt.Errorf("local: prepare %q: %w", localDst, err)
	}
	src, err := b.fs.Open(p)
	if err != nil {
		return fmt.Errorf("local: open %q: %w", p, err)
	}
	defer src.Close()
	dst, err := os.Create(localDst)
	if err != nil {
		return fmt.Errorf("local: create %q: %w", localDst, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("local: copy %q: %w", p, err)
	}
	return dst.Close()
}

func (b *Backend) getTree(p, localDst string) error {
	if err := os.MkdirAll(localDst, 0o755); err != nil {
		return fmt.Errorf("local: prepare %q: %w", localDst, err)
	}
	entries, err := b.fs.ReadDir(p)
	if err != nil {
		return fmt.Errorf("local: readdir %q: %w", p, err)
	}
	for _, entry := range entries {
		child := path.Join(p, entry.Name())
		target := filepath.Join(localDst, entry.Name())
		if entry.IsDir() {
			if err := b.getTree(child, target); err != nil {
				return err
			}
			continue
		}
		if err := b.getFile(child, target); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) GetBytes(ctx context.Context, p string) ([]byte, error) {
	content, err := util.ReadFile(b.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stow.ErrArtefactNotFound
		}
		return nil, fmt.Errorf("local: read %q: %w", p, err)
	}
	return content, nil
}

func (b *Backend) Put(ctx context.Context, localSrc, p string) (stow.Info, error) {
	fi, err := os.Stat(localSrc)
	if err != nil {
		return stow.Info{}, fmt.Errorf("local: stat %q: %w", localSrc, err)
	}
	if fi.IsDir() {
		if err := b.putTree(localSrc, p); err != nil {
			return stow.Info{}, err
		}
	} else if err := b.putFile(localSrc, p); err != nil {
		return stow.Info{}, err
	}
	return b.Identify(ctx, p)
}

func (b *Backend) putFile(localSrc, p string) error {
	if err := b.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("local: prepare %q: %w", p, err)
	}
	src, err := os.Open(localSrc)
	if err != nil {
		return fmt.Errorf("local: open %q: %w", localSrc, err)
	}
	defer src.Close()
	dst, err := b.fs.Create(p)
	if err != nil {
		return fmt.Errorf("local: create %q: %w", p, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("local: copy %q: %w", p, err)
	}
	return dst.Close()
}

func (b *Backend) putTree(localSrc, p string) error {
	if err := b.fs.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("local: prepare %q: %w", p, err)
	}
	return filepath.WalkDir(localSrc, func(walkPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if walkPath == localSrc {
			return nil
		}
		rel, err := filepath.Rel(localSrc, walkPath)
		if err != nil {
			return err
		}
		target := path.Join(p, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := b.fs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("local: prepare %q: %w", target, err)
			}
			return nil
		}
		return b.putFile(walkPath, target)
	})
}

func (b *Backend) PutBytes(ctx context.Context, content []byte, p string) (stow.Info, error) {
	if err := b.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return stow.Info{}, fmt.Errorf("local: prepare %q: %w", p, err)
	}
	if err := util.WriteFile(b.fs, p, content, 0o644); err != nil {
		return stow.Info{}, fmt.Errorf("local: write %q: %w", p, err)
	}
	return b.Identify(ctx, p)
}

func (b *Backend) List(ctx context.Context, p string) ([]stow.Info, error) {
	entries, err := b.fs.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stow.ErrArtefactNotFound
		}
		return nil, fmt.Errorf("local: readdir %q: %w", p, err)
	}
	infos := make([]stow.Info, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, b.infoFor(path.Join(p, entry.Name()), entry))
	}
	return infos, nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	if _, err := b.fs.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("local: stat %q: %w", p, err)
	}
	if err := util.RemoveAll(b.fs, p); err != nil {
		return fmt.Errorf("local: remove %q: %w", p, err)
	}
	return nil
}

// Move relocates within the filesystem without copying content.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	if err := b.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("local: prepare %q: %w", dst, err)
	}
	if err := b.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("local: rename %q: %w", src, err)
	}
	return nil
}

// Digest hashes the file content without leaving the backend.
func (b *Backend) Digest(ctx context.Context, p string) (string, error) {
	f, err := b.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", stow.ErrArtefactNotFound
		}
		return "", fmt.Errorf("local: open %q: %w", p, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("local: digest %q: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *Backend) Abspath(p string) string {
	if b.root == "" {
		return p
	}
	return filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (b *Backend) Capabilities() stow.Capability { return b.caps }

func (b *Backend) Config() map[string]string {
	cfg := map[string]string{"scheme": b.scheme}
	if b.root != "" {
		cfg["root"] = b.root
	}
	return cfg
}

func (b *Backend) Scheme() string { return b.scheme }

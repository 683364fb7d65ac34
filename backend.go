package stow

import (
	"context"
	"time"
)

// Capability describes optional properties of a backend that the manager uses
// to pick execution strategies: local backends are localised zero-copy and
// run synchronously, digest-capable backends answer content digests without a
// full download, and native movers short-circuit the write-then-delete pair.
type Capability uint8

const (
	// CapLocal marks a backend whose artefacts live on the local filesystem.
	CapLocal Capability = 1 << iota

	// CapNativeMove marks a backend implementing Mover as a same-backend
	// fast path.
	CapNativeMove

	// CapDigest marks a backend implementing Digester.
	CapDigest
)

// Has reports whether all capabilities in mask are present.
func (c Capability) Has(mask Capability) bool { return c&mask == mask }

// Kind distinguishes the two artefact variants a backend can report.
type Kind uint8

const (
	// KindFile is a content-bearing artefact.
	KindFile Kind = iota

	// KindDirectory is a container artefact.
	KindDirectory
)

// Info is a backend's identity snapshot for one path: the raw material the
// manager turns into a cached Artefact. Times a backend cannot supply stay
// zero. Digest, when set, is the hex MD5 of the content (multipart uploads on
// object stores may leave it empty).
type Info struct {
	Path       string
	Kind       Kind
	Size       int64
	ModTime    time.Time
	CreateTime time.Time
	AccessTime time.Time
	Digest     string
	Metadata   map[string]string
}

// Backend is the primitive operation set a storage adapter supplies to a
// Manager. Paths are canonical manager paths; translation to backend-native
// addressing happens inside the adapter. Backends never touch the artefact
// cache and implement no cross-primitive policy: retry, ordering and
// invariant checks belong to the manager.
type Backend interface {
	// Identify returns the identity snapshot for the path, or
	// ErrArtefactNotFound when nothing exists there.
	Identify(ctx context.Context, path string) (Info, error)

	// Get downloads the artefact at path to the local filesystem location
	// localDst. Directories are materialized recursively.
	Get(ctx context.Context, path, localDst string) error

	// GetBytes returns the content of the file at path.
	GetBytes(ctx context.Context, path string) ([]byte, error)

	// Put uploads the local file or directory tree at localSrc to path and
	// returns the resulting identity.
	Put(ctx context.Context, localSrc, path string) (Info, error)

	// PutBytes writes b as the content of the file at path.
	PutBytes(ctx context.Context, b []byte, path string) (Info, error)

	// List returns identified children of the directory at path, one level
	// deep. Batch identification is the expected optimization; every returned
	// Info is complete.
	List(ctx context.Context, path string) ([]Info, error)

	// Remove deletes the artefact at path. Removing a directory removes its
	// subtree. Removing an absent path is not an error.
	Remove(ctx context.Context, path string) error

	// Abspath translates a canonical manager path into the backend-native
	// form (filesystem path, object key, ...).
	Abspath(path string) string

	// Capabilities reports the optional properties of this backend.
	Capabilities() Capability

	// Config returns the construction parameters sufficient to rebuild an
	// equivalent backend, without live connection state.
	Config() map[string]string

	// Scheme is the connection-signature scheme this backend answers to.
	Scheme() string
}

// Mover is the optional same-backend move fast path. Only consulted when the
// backend reports CapNativeMove.
type Mover interface {
	Move(ctx context.Context, src, dst string) error
}

// Digester answers content digests without a full download. Only consulted
// when the backend reports CapDigest; the manager falls back to hashing
// GetBytes output otherwise.
type Digester interface {
	Digest(ctx context.Context, path string) (string, error)
}

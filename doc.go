// Package stow manages artefacts (files and directories) across storage
// backends behind one path-based interface. A Manager pairs a Backend with
// an artefact cache that guarantees a single live Artefact object per
// canonical path, so concurrent holders of the same path observe the same
// state transitions, including deletion and moves.
//
// Canonical paths are absolute, slash-separated and free of "." and ".."
// segments; every entry point normalizes its input, accepting Windows-style
// paths at the boundary.
//
// Backends are selected through connection signatures of the form
// scheme://authority/path?param=value. Importing a backend package registers
// its scheme:
//
//	import (
//		"github.com/Kieran-Bacon/stow"
//		_ "github.com/Kieran-Bacon/stow/backend/s3"
//	)
//
//	manager, path, err := stow.Connect(ctx, "s3://bucket/data/report.csv")
//
// Remote artefacts are edited through Localise, which checks content out to
// the local filesystem and writes it back only on Commit. Bulk operations
// (recursive moves, directory sync) fan out across a bounded worker pool and
// report per-item failures as one aggregate error.
package stow

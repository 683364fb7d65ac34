package stow

import (
	"strings"
	"sync"
)

// registry is the per-manager artefact identity cache: canonical path to the
// single live Artefact for that path. It is purely mechanical, with backend
// identification and invariant checks left to the manager, but the insert
// step is atomic so that two goroutines racing to resolve the same uncached
// path converge on one object: the loser discards its own construction and
// adopts the winner's.
type registry struct {
	mu        sync.Mutex
	artefacts map[string]Artefact
}

func newRegistry() *registry {
	return &registry{artefacts: make(map[string]Artefact)}
}

func (r *registry) get(path string) (Artefact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	art, ok := r.artefacts[path]
	return art, ok
}

// adopt inserts candidate under its path unless an entry already exists, in
// which case the existing artefact wins and is returned.
func (r *registry) adopt(candidate Artefact) Artefact {
	path := candidate.Path()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.artefacts[path]; ok {
		return existing
	}
	r.artefacts[path] = candidate
	return candidate
}

// replace evicts whatever occupies candidate's path and inserts candidate.
// Used when a path changes type (file became directory or vice versa).
func (r *registry) replace(candidate Artefact) {
	path := candidate.Path()
	r.mu.Lock()
	if existing, ok := r.artefacts[path]; ok {
		markArtefactDeleted(existing)
	}
	r.artefacts[path] = candidate
	r.mu.Unlock()
}

// invalidate drops the entry for path without touching the artefact state.
// Used after failed creates where no object was ever backed.
func (r *registry) invalidate(path string) {
	r.mu.Lock()
	delete(r.artefacts, path)
	r.mu.Unlock()
}

// markDeleted transitions the artefact at path (and, for directories, every
// cached descendant) to the terminal deleted state and evicts the entries.
// Holders of the references observe the state change in place.
func (r *registry) markDeleted(path string) {
	prefix := subtreePrefix(path)
	r.mu.Lock()
	for p, art := range r.artefacts {
		if p == path || strings.HasPrefix(p, prefix) {
			markArtefactDeleted(art)
			delete(r.artefacts, p)
		}
	}
	r.mu.Unlock()
}

// move rewrites the entry for src, and every cached descendant, to live
// under dst, updating each artefact's path field in place so existing
// references follow the move.
func (r *registry) move(src, dst string) {
	prefix := subtreePrefix(src)
	r.mu.Lock()
	moved := make(map[string]Artefact)
	for p, art := range r.artefacts {
		switch {
		case p == src:
			moved[dst] = art
			delete(r.artefacts, p)
		case strings.HasPrefix(p, prefix):
			moved[dst+"/"+p[len(prefix):]] = art
			delete(r.artefacts, p)
		}
	}
	for p, art := range moved {
		setArtefactPath(art, p)
		r.artefacts[p] = art
	}
	r.mu.Unlock()
}

// snapshot returns the cached artefacts under the directory at path, one
// level deep, in no particular order.
func (r *registry) snapshot(path string) []Artefact {
	prefix := subtreePrefix(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Artefact
	for p, art := range r.artefacts {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			out = append(out, art)
		}
	}
	return out
}

func subtreePrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

// mutable is satisfied by both artefact variants through promotion.
type mutable interface {
	markDeleted()
	setPath(string)
}

func markArtefactDeleted(art Artefact) {
	if m, ok := art.(mutable); ok {
		m.markDeleted()
	}
}

func setArtefactPath(art Artefact, path string) {
	if m, ok := art.(mutable); ok {
		m.setPath(path)
	}
}

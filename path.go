package stow

import (
	"path"
	"strings"
)

// Path addresses an artefact by canonical manager path. It satisfies Ref so
// plain strings can be passed wherever an artefact reference is accepted.
type Path string

func (p Path) storePath() string { return string(p) }

// CanonicalPath converts an incoming path of any shape into canonical form:
// unix separators, absolute within the manager (leading slash), duplicate
// separators collapsed, "." and ".." segments resolved, and no trailing
// separator except for the root itself. Windows-style input (backslashes,
// drive letters) is accepted here and nowhere else; every other path function
// operates on canonical form.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}

	// Windows ingress: drop the drive letter and flip separators.
	if i := strings.IndexByte(p, ':'); i != -1 {
		p = p[i+1:]
	}
	p = strings.ReplaceAll(p, "\\", "/")

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// NormPath collapses duplicate separators and resolves "." and ".." segments
// without forcing the path absolute.
func NormPath(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// IsAbs reports whether the path is absolute in canonical unix form.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Join concatenates path segments with exactly one separator between each
// non-empty part and normalizes the result. Later segments that look absolute
// are treated as relative: Join("/a", "/b") is "/a/b". The first segment
// decides whether the result is absolute.
func Join(parts ...string) string {
	segments := make([]string, 0, len(parts))
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i > 0 {
			part = strings.TrimLeft(part, "/")
		}
		segments = append(segments, part)
	}
	if len(segments) == 0 {
		return ""
	}
	return NormPath(strings.Join(segments, "/"))
}

// JoinAbsolutes joins path segments honouring absolute parts: a later
// absolute segment discards everything joined so far and continues from
// itself, mirroring os.path.join semantics.
func JoinAbsolutes(parts ...string) string {
	joined := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "/") || joined == "" {
			joined = part
		} else {
			joined = joined + "/" + part
		}
	}
	if joined == "" {
		return ""
	}
	return NormPath(joined)
}

// RelPath returns the relative path from start to p. Both operands are
// normalized first. It fails with ErrPath when the two paths do not share a
// common root (one absolute, one relative).
func RelPath(p, start string) (string, error) {
	p, start = NormPath(p), NormPath(start)
	if IsAbs(p) != IsAbs(start) {
		return "", NewPathError("relpath", p, ErrPath).
			WithMessage("no common root with " + start)
	}
	if p == start {
		return ".", nil
	}

	pSegs := splitSegments(p)
	startSegs := splitSegments(start)

	// Strip the shared prefix segment by segment.
	common := 0
	for common < len(pSegs) && common < len(startSegs) && pSegs[common] == startSegs[common] {
		common++
	}

	segments := make([]string, 0, len(startSegs)-common+len(pSegs)-common)
	for range startSegs[common:] {
		segments = append(segments, "..")
	}
	segments = append(segments, pSegs[common:]...)
	if len(segments) == 0 {
		return ".", nil
	}
	return strings.Join(segments, "/"), nil
}

// Dirname returns the path of the directory containing p.
func Dirname(p string) string {
	return path.Dir(NormPath(p))
}

// Basename returns the final segment of p.
func Basename(p string) string {
	return path.Base(NormPath(p))
}

// SplitExt splits p into a root and an extension such that root+ext == p.
// The extension is empty when the final segment has no dot or starts with one.
func SplitExt(p string) (root, ext string) {
	base := path.Base(p)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return p, ""
	}
	dot := len(p) - len(base) + i
	return p[:dot], p[dot:]
}

// CommonPath returns the longest sub-path shared by every path in paths.
// It fails with ErrPath when paths is empty or mixes absolute and relative
// operands, and when no segment is shared between relative paths.
func CommonPath(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", NewError("commonpath", ErrPath).WithMessage("no paths given")
	}

	abs := IsAbs(paths[0])
	segmented := make([][]string, len(paths))
	for i, p := range paths {
		p = NormPath(p)
		if IsAbs(p) != abs {
			return "", NewPathError("commonpath", p, ErrPath).
				WithMessage("mix of absolute and relative paths")
		}
		segmented[i] = splitSegments(p)
	}

	common := segmented[0]
	for _, segs := range segmented[1:] {
		n := 0
		for n < len(common) && n < len(segs) && common[n] == segs[n] {
			n++
		}
		common = common[:n]
	}

	if abs {
		return "/" + strings.Join(common, "/"), nil
	}
	if len(common) == 0 {
		return "", NewError("commonpath", ErrPath).WithMessage("paths share no root")
	}
	return strings.Join(common, "/"), nil
}

// CommonPrefix returns the longest string literal every path starts with.
// Unlike CommonPath the result may end mid-segment; it may be empty.
func CommonPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := paths[0]
	for _, p := range paths[1:] {
		for !strings.HasPrefix(p, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// splitSegments breaks a normalized path into its non-empty segments.
func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

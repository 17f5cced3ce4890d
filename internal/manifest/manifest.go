// Package manifest describes a versioned set of files and the byte-range parts they are
// assembled from, and reads/writes the markup document that carries it.
package manifest

import (
	"errors"
	"net/url"
	"strings"

	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/openmined/syftmirror/internal/utils"
)

// UnknownSize marks a part whose size must be probed before download.
const UnknownSize int64 = -1

// Manifest is a versioned, ordered file set.
type Manifest struct {
	Version string
	Files   []*File
}

// File is a destination file assembled by concatenating its parts in order.
type File struct {
	Dest  string
	Parts []*Part
}

// Part is a contiguous byte range of a File, fetched from Src.
type Part struct {
	Src  string
	MD5  string
	Size int64
}

// HasChecksum reports whether the part carries an md5 to verify against.
func (p *Part) HasChecksum() bool {
	return p.MD5 != ""
}

// SizeKnown reports whether the part size has been resolved.
func (p *Part) SizeKnown() bool {
	return p.Size >= 0
}

// Size returns the expected length of the file, counting only resolved part sizes.
func (f *File) Size() int64 {
	var total int64
	for _, part := range f.Parts {
		if part.Size > 0 {
			total += part.Size
		}
	}
	return total
}

// Offset returns the byte offset of part k inside the file.
func (f *File) Offset(k int) int64 {
	var offset int64
	for _, part := range f.Parts[:k] {
		if part.Size > 0 {
			offset += part.Size
		}
	}
	return offset
}

// Size returns the total expected bytes of all files.
func (m *Manifest) Size() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size()
	}
	return total
}

// UnknownParts returns every part that still needs a size probe.
func (m *Manifest) UnknownParts() []*Part {
	var parts []*Part
	for _, f := range m.Files {
		for _, part := range f.Parts {
			if !part.SizeKnown() {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// ErrReservedPath is returned for destinations the syncer keeps for its own state.
var ErrReservedPath = errors.New("path is reserved")

// Validate checks that every destination stays inside root. When reserved is set, a
// destination it reports true for, given the root-relative slash path, is also unsafe.
func (m *Manifest) Validate(root string, reserved func(rel string) bool) error {
	for _, f := range m.Files {
		path, err := utils.SecureJoin(root, f.Dest)
		if err != nil {
			return &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: elemFile, Attribute: attrDest, Value: f.Dest, Err: err}
		}
		if reserved == nil {
			continue
		}
		rel, err := utils.RelSlash(root, path)
		if err != nil {
			return &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: elemFile, Attribute: attrDest, Value: f.Dest, Err: err}
		}
		if reserved(rel) {
			return &syncerr.ParseError{Kind: syncerr.UnsafePath, Element: elemFile, Attribute: attrDest, Value: f.Dest, Err: ErrReservedPath}
		}
	}
	return nil
}

// ErrLocalSource is returned for file:// part sources in a manifest that was not itself
// read from the local filesystem.
var ErrLocalSource = errors.New("local file source in a remote manifest")

// ResolveSources rewrites relative part URLs against base, normally the manifest URL.
// Parts may only name file:// sources when base is a file:// URL.
func (m *Manifest) ResolveSources(base string) error {
	if base == "" {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return &syncerr.ParseError{Kind: syncerr.InvalidSource, Value: base, Err: err}
	}

	for _, f := range m.Files {
		for _, part := range f.Parts {
			ref, err := url.Parse(strings.TrimSpace(part.Src))
			if err != nil {
				return &syncerr.ParseError{Kind: syncerr.InvalidSource, Element: elemPart, Attribute: attrSrc, Value: part.Src, Err: err}
			}
			resolved := baseURL.ResolveReference(ref)
			if strings.EqualFold(resolved.Scheme, "file") && !strings.EqualFold(baseURL.Scheme, "file") {
				return &syncerr.ParseError{Kind: syncerr.InvalidSource, Element: elemPart, Attribute: attrSrc, Value: part.Src, Err: ErrLocalSource}
			}
			part.Src = resolved.String()
		}
	}
	return nil
}

// Clone returns a deep copy, so probed sizes never leak into a cached manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{Version: m.Version, Files: make([]*File, 0, len(m.Files))}
	for _, f := range m.Files {
		nf := &File{Dest: f.Dest, Parts: make([]*Part, 0, len(f.Parts))}
		for _, part := range f.Parts {
			p := *part
			nf.Parts = append(nf.Parts, &p)
		}
		out.Files = append(out.Files, nf)
	}
	return out
}

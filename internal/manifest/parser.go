package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/openmined/syftmirror/internal/syncerr"
)

const (
	elemFile = "file"
	elemPart = "part"

	attrVersion = "version"
	attrDest    = "dest"
	attrSrc     = "src"
	attrMD5     = "md5"
	attrSize    = "size"
)

// ReadFile parses the manifest stored at path. A missing file is not an error: it returns nil, nil.
func ReadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.FS("open", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a manifest document from r.
//
// The root element must carry a version. Each <file> needs a dest and either carries a
// single implicit part through its own src/md5/size attributes, nested <part> elements, or
// both (the implicit part comes first). Unknown elements and attributes are skipped.
func Parse(r io.Reader) (*Manifest, error) {
	dec := xml.NewDecoder(r)

	var (
		m       *Manifest
		current *File
		depth   int
		fileAt  int
		seen    = make(map[string]struct{})
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &syncerr.ParseError{Kind: syncerr.MalformedDocument, Err: err}
		}

		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if m == nil {
				version, err := requiredAttr(el, attrVersion)
				if err != nil {
					return nil, err
				}
				m = &Manifest{Version: version}
				continue
			}

			switch el.Name.Local {
			case elemFile:
				if current != nil {
					// nested files are not part of the format
					return nil, &syncerr.ParseError{Kind: syncerr.MalformedDocument, Element: elemFile, Err: errors.New("nested file element")}
				}
				f, err := parseFile(el)
				if err != nil {
					return nil, err
				}
				if _, dup := seen[f.Dest]; dup {
					return nil, &syncerr.ParseError{Kind: syncerr.MalformedDocument, Element: elemFile, Attribute: attrDest, Value: f.Dest, Err: errors.New("duplicate destination")}
				}
				seen[f.Dest] = struct{}{}
				current, fileAt = f, depth

			case elemPart:
				if current == nil {
					continue
				}
				part, err := parsePart(el, true)
				if err != nil {
					return nil, err
				}
				current.Parts = append(current.Parts, part)
			}

		case xml.EndElement:
			if current != nil && depth == fileAt {
				if len(current.Parts) == 0 {
					return nil, &syncerr.ParseError{Kind: syncerr.MissingAttribute, Element: elemFile, Attribute: attrSrc, Value: current.Dest}
				}
				m.Files = append(m.Files, current)
				current = nil
			}
			depth--
		}
	}

	if m == nil {
		return nil, &syncerr.ParseError{Kind: syncerr.MalformedDocument, Err: errors.New("empty document")}
	}
	if depth != 0 {
		return nil, &syncerr.ParseError{Kind: syncerr.MalformedDocument, Err: io.ErrUnexpectedEOF}
	}

	return m, nil
}

// ParseBytes is a convenience wrapper around Parse.
func ParseBytes(data []byte) (*Manifest, error) {
	return Parse(bytes.NewReader(data))
}

func parseFile(el xml.StartElement) (*File, error) {
	dest, err := requiredAttr(el, attrDest)
	if err != nil {
		return nil, err
	}
	f := &File{Dest: dest}

	if _, ok := attr(el, attrSrc); ok {
		part, err := parsePart(el, false)
		if err != nil {
			return nil, err
		}
		f.Parts = append(f.Parts, part)
	}
	return f, nil
}

func parsePart(el xml.StartElement, srcRequired bool) (*Part, error) {
	var (
		src string
		err error
	)
	if srcRequired {
		if src, err = requiredAttr(el, attrSrc); err != nil {
			return nil, err
		}
	} else {
		src, _ = attr(el, attrSrc)
	}

	part := &Part{Src: src, Size: UnknownSize}

	if sum, ok := attr(el, attrMD5); ok {
		sum = strings.ToLower(strings.TrimSpace(sum))
		if b, err := hex.DecodeString(sum); err != nil || len(b) != 16 {
			return nil, &syncerr.ParseError{Kind: syncerr.InvalidChecksum, Element: el.Name.Local, Attribute: attrMD5, Value: sum}
		}
		part.MD5 = sum
	}

	if raw, ok := attr(el, attrSize); ok {
		size, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, &syncerr.ParseError{Kind: syncerr.MalformedSize, Element: el.Name.Local, Attribute: attrSize, Value: raw, Err: err}
		}
		if size < 0 {
			return nil, &syncerr.ParseError{Kind: syncerr.MalformedSize, Element: el.Name.Local, Attribute: attrSize, Value: raw, Err: fmt.Errorf("negative size %d", size)}
		}
		part.Size = size
	}

	return part, nil
}

// attr looks an attribute up by local name, ignoring namespaced attributes.
func attr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func requiredAttr(el xml.StartElement, name string) (string, error) {
	v, ok := attr(el, name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &syncerr.ParseError{Kind: syncerr.MissingAttribute, Element: el.Name.Local, Attribute: name}
	}
	return v, nil
}

package manifest

import (
	"encoding/xml"
	"io"
)

type xmlManifest struct {
	XMLName xml.Name  `xml:"config"`
	Version string    `xml:"version,attr"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Dest  string    `xml:"dest,attr"`
	Src   string    `xml:"src,attr,omitempty"`
	MD5   string    `xml:"md5,attr,omitempty"`
	Size  *int64    `xml:"size,attr,omitempty"`
	Parts []xmlPart `xml:"part"`
}

type xmlPart struct {
	Src  string `xml:"src,attr"`
	MD5  string `xml:"md5,attr,omitempty"`
	Size *int64 `xml:"size,attr,omitempty"`
}

// Encode writes m in the document shape Parse reads. Single-part files use the implicit
// form, multi-part files nest their parts. Unknown sizes are omitted.
func Encode(w io.Writer, m *Manifest) error {
	doc := xmlManifest{Version: m.Version, Files: make([]xmlFile, 0, len(m.Files))}

	for _, f := range m.Files {
		xf := xmlFile{Dest: f.Dest}
		if len(f.Parts) == 1 {
			p := f.Parts[0]
			xf.Src, xf.MD5, xf.Size = p.Src, p.MD5, sizeAttr(p.Size)
		} else {
			for _, p := range f.Parts {
				xf.Parts = append(xf.Parts, xmlPart{Src: p.Src, MD5: p.MD5, Size: sizeAttr(p.Size)})
			}
		}
		doc.Files = append(doc.Files, xf)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func sizeAttr(size int64) *int64 {
	if size < 0 {
		return nil
	}
	return &size
}

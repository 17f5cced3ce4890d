package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `<?xml version="1.0" encoding="utf-8"?>
<config version="3">
  <file dest="a.txt" src="http://h/a" md5="D41D8CD98F00B204E9800998ECF8427E" size="0"/>
  <file dest="data/big.bin">
    <part src="http://h/big.0" md5="0cc175b9c0f1b6a831c399e269772661" size="1"/>
    <part src="http://h/big.1" size="4"/>
    <part src="http://h/big.2"/>
  </file>
  <extra ignored="yes"><file-ish/></extra>
  <part src="http://h/orphan"/>
</config>`

func TestParse(t *testing.T) {
	m, err := ParseBytes([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "3", m.Version)
	require.Len(t, m.Files, 2)

	a := m.Files[0]
	assert.Equal(t, "a.txt", a.Dest)
	require.Len(t, a.Parts, 1)
	assert.Equal(t, "http://h/a", a.Parts[0].Src)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", a.Parts[0].MD5)
	assert.EqualValues(t, 0, a.Parts[0].Size)
	assert.True(t, a.Parts[0].SizeKnown())

	big := m.Files[1]
	require.Len(t, big.Parts, 3)
	assert.True(t, big.Parts[0].HasChecksum())
	assert.False(t, big.Parts[1].HasChecksum())
	assert.Equal(t, UnknownSize, big.Parts[2].Size)
	assert.Len(t, m.UnknownParts(), 1)
}

func TestParse_ImplicitPartComesFirst(t *testing.T) {
	m, err := ParseBytes([]byte(`<config version="1">
		<file dest="x" src="http://h/x0" size="2"><part src="http://h/x1" size="3"/></file>
	</config>`))
	require.NoError(t, err)
	require.Len(t, m.Files[0].Parts, 2)
	assert.Equal(t, "http://h/x0", m.Files[0].Parts[0].Src)
	assert.EqualValues(t, 5, m.Files[0].Size())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind syncerr.ParseErrorKind
	}{
		{"empty", ``, syncerr.MalformedDocument},
		{"syntax", `<config version="1"><file dest="a" src="x"></config>`, syncerr.MalformedDocument},
		{"truncated", `<config version="1"><file dest="a" src="x"/>`, syncerr.MalformedDocument},
		{"no version", `<config><file dest="a" src="x"/></config>`, syncerr.MissingAttribute},
		{"no dest", `<config version="1"><file src="x"/></config>`, syncerr.MissingAttribute},
		{"no parts", `<config version="1"><file dest="a"/></config>`, syncerr.MissingAttribute},
		{"part without src", `<config version="1"><file dest="a"><part size="1"/></file></config>`, syncerr.MissingAttribute},
		{"bad size", `<config version="1"><file dest="a" src="x" size="ten"/></config>`, syncerr.MalformedSize},
		{"negative size", `<config version="1"><file dest="a" src="x" size="-3"/></config>`, syncerr.MalformedSize},
		{"bad md5", `<config version="1"><file dest="a" src="x" md5="xyz"/></config>`, syncerr.InvalidChecksum},
		{"duplicate", `<config version="1"><file dest="a" src="x"/><file dest="a" src="y"/></config>`, syncerr.MalformedDocument},
		{"nested file", `<config version="1"><file dest="a" src="x"><file dest="b" src="y"/></file></config>`, syncerr.MalformedDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.doc))
			require.Error(t, err)

			var parseErr *syncerr.ParseError
			require.True(t, errors.As(err, &parseErr), "got %T: %v", err, err)
			assert.Equal(t, tt.kind, parseErr.Kind)
			assert.Equal(t, syncerr.KindParse, syncerr.Classify(err))
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	m, err := ReadFile(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, m)

	path := filepath.Join(dir, "marker")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))
	m, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "3", m.Version)
}

func TestEncode_RoundTripsShape(t *testing.T) {
	m, err := ParseBytes([]byte(sampleDoc))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	assert.Contains(t, buf.String(), `<file dest="a.txt" src="http://h/a"`)
	assert.NotContains(t, buf.String(), "orphan")

	again, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, again)
}

package checksum

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/syftmirror/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestVerifyFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p0, p1 := []byte("hello "), []byte("world")
	file := &manifest.File{Dest: "greeting.txt", Parts: []*manifest.Part{
		{Src: "http://h/0", MD5: md5Hex(p0), Size: int64(len(p0))},
		{Src: "http://h/1", MD5: md5Hex(p1), Size: int64(len(p1))},
	}}

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, dir, "ok", append(append([]byte{}, p0...), p1...))
		res, err := VerifyFile(ctx, path, file)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Reason())
	})

	t.Run("missing", func(t *testing.T) {
		res, err := VerifyFile(ctx, filepath.Join(dir, "nope"), file)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.True(t, res.Missing)
	})

	t.Run("short", func(t *testing.T) {
		path := writeFile(t, dir, "short", p0)
		res, err := VerifyFile(ctx, path, file)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.EqualValues(t, 6, res.ActualSize)
		assert.EqualValues(t, 11, res.ExpectedSize)
	})

	t.Run("corrupt second part", func(t *testing.T) {
		path := writeFile(t, dir, "bad", []byte("hello WORLD"))
		res, err := VerifyFile(ctx, path, file)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, 1, res.FailedPart)
		assert.Contains(t, res.Reason(), "part 1")
	})

	t.Run("part without checksum only counts length", func(t *testing.T) {
		loose := &manifest.File{Dest: "x", Parts: []*manifest.Part{{Src: "s", Size: 3}}}
		path := writeFile(t, dir, "loose", []byte("any"))
		res, err := VerifyFile(ctx, path, loose)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})

	t.Run("unknown size", func(t *testing.T) {
		unknown := &manifest.File{Dest: "u", Parts: []*manifest.Part{{Src: "s", Size: manifest.UnknownSize}}}
		path := writeFile(t, dir, "unknown", []byte("abc"))
		res, err := VerifyFile(ctx, path, unknown)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.True(t, res.UnknownSize)
	})

	t.Run("zero length file", func(t *testing.T) {
		empty := &manifest.File{Dest: "a.txt", Parts: []*manifest.Part{{Src: "s", MD5: md5Hex(nil), Size: 0}}}
		path := writeFile(t, dir, "a.txt", nil)
		res, err := VerifyFile(ctx, path, empty)
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})
}

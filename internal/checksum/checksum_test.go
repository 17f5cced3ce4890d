package checksum

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestDigest_MatchesMD5(t *testing.T) {
	data := bytes.Repeat([]byte("syftmirror"), 10_000)

	d := New()
	d.Update(data[:7])
	d.Update(data[7:])

	assert.Equal(t, md5Hex(data), d.Finalize())
	assert.EqualValues(t, len(data), d.Len())
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", New().Finalize())
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e"))
	assert.False(t, Equal("d41d8cd98f00b204e9800998ecf8427e", "0cc175b9c0f1b6a831c399e269772661"))
}

func TestReadInto(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 3*ChunkSize+17)
	ctx := context.Background()

	t.Run("exact prefix", func(t *testing.T) {
		d := New()
		n, err := ReadInto(ctx, bytes.NewReader(data), ChunkSize+5, d)
		require.NoError(t, err)
		assert.EqualValues(t, ChunkSize+5, n)
		assert.Equal(t, md5Hex(data[:ChunkSize+5]), d.Finalize())
	})

	t.Run("short source", func(t *testing.T) {
		n, err := ReadInto(ctx, strings.NewReader("abc"), 10, New())
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.EqualValues(t, 3, n)
	})

	t.Run("zero length", func(t *testing.T) {
		sum, err := Sum(ctx, strings.NewReader("ignored"), 0)
		require.NoError(t, err)
		assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := ReadInto(cctx, bytes.NewReader(data), int64(len(data)), New())
		assert.True(t, errors.Is(err, syncerr.ErrCancelled))
	})
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(16)
	buf := p.Get()
	assert.Len(t, *buf, 16)

	*buf = (*buf)[:3]
	p.Put(buf)
	again := p.Get()
	assert.Len(t, *again, 16)

	assert.Panics(t, func() { NewBufferPool(0) })
}

//go:build !sonic

package utils

import (
	"io"

	"github.com/goccy/go-json"
)

var (
	JSONMarshal       = json.Marshal
	JSONMarshalIndent = json.MarshalIndent
	JSONUnmarshal     = json.Unmarshal
)

func JSONEncode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

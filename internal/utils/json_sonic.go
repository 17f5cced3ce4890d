//go:build sonic

package utils

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	JSONMarshal       = sonic.Marshal
	JSONMarshalIndent = sonic.ConfigDefault.MarshalIndent
	JSONUnmarshal     = sonic.Unmarshal
)

func JSONEncode(w io.Writer, v any) error {
	enc := sonic.ConfigDefault.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

//go:build cgo && sqlite3_cgo

package db

import (
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)

// dsn sets pragmas as mattn's `_name=value` parameters.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("mode", "rwc")
	for _, p := range pragmas {
		q.Set("_"+p[0], p[1])
	}
	return "file:" + path + "?" + q.Encode()
}

package utils

import (
	"sync"

	"github.com/denisbrodbeck/machineid"
)

const hwidAppID = "syftmirror"

var (
	hwidOnce sync.Once
	hwid     string
)

// HWID returns a stable per-machine identifier hashed with the app id, or "unknown".
func HWID() string {
	hwidOnce.Do(func() {
		id, err := machineid.ProtectedID(hwidAppID)
		if err != nil || id == "" {
			hwid = "unknown"
			return
		}
		hwid = id
	})
	return hwid
}

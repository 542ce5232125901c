//go:build linux

package fs

import (
	"os"
	"syscall"
	"time"
)

// Linux stat has no birth time; the status change time stands in.
func fileTimes(info os.FileInfo) (created, accessed time.Time) {
	created, accessed = info.ModTime(), info.ModTime()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		accessed = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		created = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return created, accessed
}

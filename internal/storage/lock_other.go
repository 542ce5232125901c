//go:build !unix

package storage

import "os"

// Without flock only in-process callers are serialized.
func lockFile(f *os.File, block bool) error { return nil }

func unlockFile(f *os.File) {}

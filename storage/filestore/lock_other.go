//go:build !unix

package filestore

// lockFile is a no-op where flock is unavailable; only the in-process lock applies.
func lockFile(string) (func(), error) {
	return func() {}, nil
}

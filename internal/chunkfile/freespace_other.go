//go:build !unix

package chunkfile

// FreeBytes is not implemented on this platform
func FreeBytes(dir string) (uint64, error) {
	return 0, errUnsupported
}

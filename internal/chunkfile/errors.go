package chunkfile

import "errors"

var errUnsupported = errors.New("chunkfile: free space check unsupported on this platform")

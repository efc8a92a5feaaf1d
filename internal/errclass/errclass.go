package errclass

import (
	"errors"
	"os"
	"strings"
)

// Category represents the classification of capture and writer errors for telemetry
type Category int

const (
	// Network indicates connection-related failures (refused, timeout, DNS)
	Network Category = iota
	// Codec indicates stream or codec failures (decode errors, missing decoder)
	Codec
	// Auth indicates authentication/authorization failures
	Auth
	// Device indicates a local capture device that is missing or busy
	Device
	// Storage indicates chunk output failures (disk full, permissions)
	Storage
	// Unknown indicates unclassified errors
	Unknown
)

// String returns a human-readable string representation of the category
func (c Category) String() string {
	switch c {
	case Network:
		return "network"
	case Codec:
		return "codec"
	case Auth:
		return "auth"
	case Device:
		return "device"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized",
		"401",
		"403",
		"forbidden",
		"authentication",
		"credentials",
		"password",
	}

	storageKeywords = []string{
		"no space left",
		"disk full",
		"read-only file system",
		"permission denied",
		"videowriter",
		"not enough free space",
	}

	deviceKeywords = []string{
		"device",
		"videocapture",
		"v4l2",
		"dshow",
		"avfoundation",
		"camera",
		"busy",
	}

	codecKeywords = []string{
		"codec",
		"decode",
		"decoder",
		"encode",
		"format",
		"no video stream",
		"invalid data",
		"negotiat",
		"caps",
		"h264",
		"h265",
		"hevc",
		"missing plugin",
		"scaler",
	}

	networkKeywords = []string{
		"connection",
		"timeout",
		"timed out",
		"unreachable",
		"network",
		"dns",
		"resolve",
		"socket",
		"tcp",
		"rtsp",
		"refused",
		"broken pipe",
		"end of file",
		"eof",
	}
)

// Classify analyzes an error and categorizes it for telemetry
//
// Classification order (most specific first):
//  1. os permission / no-space errors → Storage
//  2. auth keywords → Auth
//  3. storage keywords → Storage
//  4. codec keywords → Codec
//  5. device keywords → Device
//  6. network keywords → Network
//
// Returns Unknown for nil errors and unmatched messages.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, os.ErrPermission) {
		return Storage
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the keyword heuristics to a raw message
func ClassifyMessage(msg string) Category {
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, authKeywords):
		return Auth
	case containsAny(lower, storageKeywords):
		return Storage
	case containsAny(lower, codecKeywords):
		return Codec
	case containsAny(lower, deviceKeywords):
		return Device
	case containsAny(lower, networkKeywords):
		return Network
	default:
		return Unknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

package ntag

import (
	"path/filepath"
	"strings"
)

// Format identifies the external representation a tag image came from.
type Format int

const (
	FormatBinary Format = iota
	FormatTextHex
)

func (f Format) String() string {
	if f == FormatBinary {
		return "bin"
	}
	return "nfc"
}

// FormatForPath picks the format from the file extension. Anything that is
// not a .bin dump is treated as a Flipper text dump.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		return FormatBinary
	}
	return FormatTextHex
}

// TagImage is one decoded NTAG215 memory image plus the metadata needed to
// re-emit it in its source representation. It is owned by a single per-file
// run and never shared.
type TagImage struct {
	Data   []byte // always exactly TagSize bytes
	Format Format
	Schema Schema // meaningful for FormatTextHex only
	Path   string // source path, informational only

	// Text-dump round-trip state: header lines before the page block, lines
	// after it, and whether the data region used lowercase hex.
	headLines []string
	tailLines []string
	lowerHex  bool
}

// Clone returns a deep copy sharing no state with the receiver.
func (img *TagImage) Clone() *TagImage {
	dup := *img
	dup.Data = append([]byte(nil), img.Data...)
	dup.headLines = append([]string(nil), img.headLines...)
	dup.tailLines = append([]string(nil), img.tailLines...)
	return &dup
}

// Page returns the 4 bytes of page n.
func (img *TagImage) Page(n int) []byte {
	return img.Data[n*PageSize : (n+1)*PageSize]
}

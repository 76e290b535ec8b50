package ntag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrBadLength reports an image whose decoded size is not TagSize.
	ErrBadLength = errors.New("tag image has wrong length")
	// ErrBadHex reports non-hexadecimal content in the data region. An odd
	// number of hex digits also maps here: the region is malformed hex
	// before it has a byte length to judge.
	ErrBadHex = errors.New("tag data region is not valid hex")
)

var (
	pageRe    = regexp.MustCompile(`^Page\s+(\d+):\s*([0-9A-Fa-f\s]+)$`)
	versionRe = regexp.MustCompile(`^Version:\s*(\d+)\s*$`)
	uidRe     = regexp.MustCompile(`^UID:\s*[0-9A-Fa-f\s]+$`)
	bareHexRe = regexp.MustCompile(`^[0-9A-Fa-f][0-9A-Fa-f\s]*$`)
)

// Decode parses raw file content in the declared format into a TagImage.
// Binary content is the image itself; text content is a Flipper NFC document
// whose header block is retained for re-encoding.
func Decode(raw []byte, format Format) (*TagImage, error) {
	if format == FormatBinary {
		if len(raw) != TagSize {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(raw), TagSize)
		}
		return &TagImage{Data: append([]byte(nil), raw...), Format: FormatBinary}, nil
	}
	return decodeText(raw)
}

func decodeText(raw []byte) (*TagImage, error) {
	lines := splitLines(string(raw))

	hasPages := false
	for _, line := range lines {
		if pageRe.MatchString(strings.TrimRight(line, " \t")) {
			hasPages = true
			break
		}
	}

	img := &TagImage{Format: FormatTextHex, Schema: SchemaUnknown}
	var dataHex strings.Builder
	seenData := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if m := pageRe.FindStringSubmatch(trimmed); m != nil {
			dataHex.WriteString(m[2])
			seenData = true
			continue
		}
		// Headerless dumps carry bare whitespace-delimited hex pairs.
		if !hasPages && bareHexRe.MatchString(trimmed) {
			dataHex.WriteString(trimmed)
			seenData = true
			continue
		}
		if m := versionRe.FindStringSubmatch(trimmed); m != nil {
			img.Schema = schemaFromMarker(m[1])
		}
		if seenData {
			img.tailLines = append(img.tailLines, line)
		} else {
			img.headLines = append(img.headLines, line)
		}
	}

	compact := strings.Map(dropSpace, dataHex.String())
	img.lowerHex = strings.ContainsAny(compact, "abcdef")
	data, err := hex.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	if len(data) != TagSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(data), TagSize)
	}
	img.Data = data
	return img, nil
}

// Encode is the inverse of Decode: binary images re-emit their bytes, text
// images re-emit the retained header block (or a default v4 header when none
// was present) followed by the page lines.
func Encode(img *TagImage) []byte {
	if img.Format == FormatBinary {
		return append([]byte(nil), img.Data...)
	}
	var b strings.Builder
	if len(img.headLines) == 0 {
		b.WriteString(v4Header(img.UID()))
		b.WriteString("\n")
	} else {
		for _, line := range img.headLines {
			if uidRe.MatchString(strings.TrimRight(line, " \t")) {
				b.WriteString("UID: " + hexFields(img.UID(), false))
			} else {
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}
	for n := 0; n < PageCount; n++ {
		fmt.Fprintf(&b, "Page %d: %s\n", n, hexFields(img.Page(n), img.lowerHex))
	}
	if len(img.headLines) == 0 {
		b.WriteString("Failed authentication attempts: 0\n")
	}
	for _, line := range img.tailLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return r
}

// hexFields renders bytes as space-separated pairs, e.g. "04 A1 B2 C3".
func hexFields(data []byte, lower bool) string {
	s := hex.EncodeToString(data)
	if !lower {
		s = strings.ToUpper(s)
	}
	pairs := make([]string, len(data))
	for i := range data {
		pairs[i] = s[2*i : 2*i+2]
	}
	return strings.Join(pairs, " ")
}

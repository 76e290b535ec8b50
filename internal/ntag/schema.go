package ntag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Schema identifies the NFC text-dump header revision.
type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaV2
	SchemaV3
	SchemaV4
)

func (s Schema) String() string {
	switch s {
	case SchemaV2:
		return "v2"
	case SchemaV3:
		return "v3"
	case SchemaV4:
		return "v4"
	}
	return "unknown"
}

// ErrUnknownSchema reports a text dump whose header revision is not one of
// the recognized states.
var ErrUnknownSchema = errors.New("unrecognized NFC dump schema")

// ConversionResult carries the v4-schema content produced by ConvertToV4 and
// whether the input needed rewriting.
type ConversionResult struct {
	Content []byte
	Changed bool
}

func schemaFromMarker(marker string) Schema {
	switch marker {
	case "2":
		return SchemaV2
	case "3":
		return SchemaV3
	case "4":
		return SchemaV4
	}
	return SchemaUnknown
}

// DetectSchema scans a text dump for its version marker.
func DetectSchema(content []byte) Schema {
	for _, line := range splitLines(string(content)) {
		if m := versionRe.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil {
			return schemaFromMarker(m[1])
		}
	}
	return SchemaUnknown
}

// ConvertToV4 rewrites a v2 or v3 text dump into the v4 header layout. The
// page data region is carried over byte-identical; v4 input is returned
// untouched with Changed false. The transition set is closed: anything other
// than {v2, v3, v4} is ErrUnknownSchema.
func ConvertToV4(content []byte) (ConversionResult, error) {
	switch DetectSchema(content) {
	case SchemaV4:
		return ConversionResult{Content: content, Changed: false}, nil
	case SchemaV2, SchemaV3:
		return ConversionResult{Content: rewriteV4(content), Changed: true}, nil
	}
	return ConversionResult{}, ErrUnknownSchema
}

func rewriteV4(content []byte) []byte {
	var (
		pageLines []string
		uidHex    string
		pageData  = map[int]string{}
	)
	for _, line := range splitLines(string(content)) {
		trimmed := strings.TrimRight(line, " \t")
		if m := pageRe.FindStringSubmatch(trimmed); m != nil {
			pageLines = append(pageLines, trimmed)
			var n int
			fmt.Sscanf(m[1], "%d", &n)
			pageData[n] = strings.Map(dropSpace, m[2])
			continue
		}
		if uidRe.MatchString(trimmed) {
			uidHex = strings.TrimSpace(strings.TrimPrefix(trimmed, "UID:"))
		}
	}

	uid := uidFromPages(pageData)
	if uid == nil && uidHex != "" {
		if raw, err := hex.DecodeString(strings.Map(dropSpace, uidHex)); err == nil && len(raw) == UIDLen {
			uid = raw
		}
	}
	if uid == nil {
		uid = make([]byte, UIDLen)
	}

	var b strings.Builder
	b.WriteString(v4Header(uid))
	b.WriteString("\n")
	for _, line := range pageLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("Failed authentication attempts: 0\n")
	return []byte(b.String())
}

func uidFromPages(pages map[int]string) []byte {
	p0, ok0 := pages[0]
	p1, ok1 := pages[1]
	if !ok0 || !ok1 {
		return nil
	}
	raw, err := hex.DecodeString(p0 + p1)
	if err != nil || len(raw) < UIDLen {
		return nil
	}
	return raw[:UIDLen]
}

// v4Header renders the fixed v4 metadata block for the given UID. The field
// names and ordering are an external format and are emitted verbatim.
func v4Header(uid []byte) string {
	return fmt.Sprintf(`Filetype: Flipper NFC device
Version: 4
# Device type can be ISO14443-3A, ISO14443-3B, ISO14443-4A, ISO14443-4B, ISO15693-3, FeliCa, NTAG/Ultralight, Mifare Classic, Mifare Plus, Mifare DESFire, SLIX, ST25TB, EMV
Device type: NTAG/Ultralight
# UID is common for all formats
UID: %s
# ISO14443-3A specific data
ATQA: 00 44
SAK: 00
# NTAG/Ultralight specific data
Data format version: 2
NTAG/Ultralight type: NTAG215
Signature: 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
Mifare version: 00 04 04 02 01 00 11 03
Counter 0: 0
Tearing 0: 00
Counter 1: 0
Tearing 1: 00
Counter 2: 0
Tearing 2: 00
Pages total: %d
Pages read: %d`, hexFields(uid, false), PageCount, PageCount)
}

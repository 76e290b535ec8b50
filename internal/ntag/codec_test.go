package ntag

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func buildTagData(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, TagSize)
	uid := []byte{0x04, 0xA1, 0xA2, 0x88, 0xA4, 0xA5, 0xA6}
	copy(data[OffUID:], uid)
	data[OffBCC0] = ExpectedBCC0(uid)
	data[OffCT] = CascadeTag
	data[OffBCC1] = ExpectedBCC1(uid, CascadeTag)
	pwd := DerivePWD(uid)
	copy(data[OffPWD:], pwd[:])
	copy(data[OffPACK:], EmulationPACK[:])
	data[OffDLB] = FieldDLB.Expected
	data[OffCFG0] = FieldCFG0.Expected
	data[OffCFG1] = FieldCFG1.Expected
	return data
}

func buildTextDump(t *testing.T) []byte {
	t.Helper()
	img := &TagImage{Data: buildTagData(t), Format: FormatTextHex}
	return Encode(img)
}

func TestDecodeBinaryRoundTrip(t *testing.T) {
	raw := buildTagData(t)
	img, err := Decode(raw, FormatBinary)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Format != FormatBinary {
		t.Fatalf("format = %v, want binary", img.Format)
	}
	if !bytes.Equal(img.UID(), raw[:UIDLen]) {
		t.Fatalf("UID = % X, want % X", img.UID(), raw[:UIDLen])
	}
	out := Encode(img)
	if !bytes.Equal(out, raw) {
		t.Fatalf("binary round trip changed content")
	}
}

func TestDecodeBinaryBadLength(t *testing.T) {
	raw := make([]byte, TagSize-2)
	_, err := Decode(raw, FormatBinary)
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestDecodeTextRoundTrip(t *testing.T) {
	dump := buildTextDump(t)
	img, err := Decode(dump, FormatTextHex)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Schema != SchemaV4 {
		t.Fatalf("schema = %v, want v4", img.Schema)
	}
	want := []byte{0x04, 0xA1, 0xA2, 0x88, 0xA4, 0xA5, 0xA6}
	if !bytes.Equal(img.UID(), want) {
		t.Fatalf("UID = % X, want % X", img.UID(), want)
	}
	out := Encode(img)
	if !bytes.Equal(out, dump) {
		t.Fatalf("text round trip changed content:\n%s\n---\n%s", dump, out)
	}
}

func TestDecodeTextRegeneratesUIDLine(t *testing.T) {
	dump := buildTextDump(t)
	img, err := Decode(dump, FormatTextHex)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	img.SetUIDByte(1, 0xBB)
	out := string(Encode(img))
	if !strings.Contains(out, "UID: 04 BB A2 88 A4 A5 A6") {
		t.Fatalf("UID header line not regenerated:\n%s", out)
	}
}

func TestDecodeTextBadHex(t *testing.T) {
	var b strings.Builder
	b.WriteString("Filetype: Flipper NFC device\nVersion: 4\n")
	// Odd digit count in page 0 makes the data region undecodable.
	b.WriteString("Page 0: 044\n")
	for n := 1; n < PageCount; n++ {
		fmt.Fprintf(&b, "Page %d: 00 00 00 00\n", n)
	}
	_, err := Decode([]byte(b.String()), FormatTextHex)
	if !errors.Is(err, ErrBadHex) {
		t.Fatalf("err = %v, want ErrBadHex", err)
	}
}

func TestDecodeTextBadLength(t *testing.T) {
	var b strings.Builder
	b.WriteString("Filetype: Flipper NFC device\nVersion: 4\n")
	// One page short of a full image.
	for n := 0; n < PageCount-1; n++ {
		fmt.Fprintf(&b, "Page %d: 00 00 00 00\n", n)
	}
	_, err := Decode([]byte(b.String()), FormatTextHex)
	if !errors.Is(err, ErrBadLength) {
		t.Fatalf("err = %v, want ErrBadLength", err)
	}
}

func TestDecodeTextLowercasePreserved(t *testing.T) {
	raw := buildTagData(t)
	var b strings.Builder
	b.WriteString("Filetype: Flipper NFC device\nVersion: 4\n")
	for n := 0; n < PageCount; n++ {
		fmt.Fprintf(&b, "Page %d: %s\n", n, hexFields(raw[n*PageSize:(n+1)*PageSize], true))
	}
	img, err := Decode([]byte(b.String()), FormatTextHex)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	out := string(Encode(img))
	if !strings.Contains(out, "Page 127: ") {
		t.Fatalf("page lines missing:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Page ") {
			continue
		}
		_, data, _ := strings.Cut(line, ": ")
		if data != strings.ToLower(data) {
			t.Fatalf("page data not lowercase: %q", line)
		}
	}
}

func TestDecodeHeaderlessBareHex(t *testing.T) {
	raw := buildTagData(t)
	var b strings.Builder
	for i := 0; i < len(raw); i += PageSize {
		b.WriteString(hexFields(raw[i:i+PageSize], false))
		b.WriteString("\n")
	}
	img, err := Decode([]byte(b.String()), FormatTextHex)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(img.Data, raw) {
		t.Fatalf("bare hex dump decoded incorrectly")
	}
	if img.Schema != SchemaUnknown {
		t.Fatalf("schema = %v, want unknown", img.Schema)
	}
}

func TestEncodeHeaderlessGetsV4Header(t *testing.T) {
	img := &TagImage{Data: buildTagData(t), Format: FormatTextHex}
	out := string(Encode(img))
	if !strings.Contains(out, "Filetype: Flipper NFC device") {
		t.Fatalf("default header missing:\n%s", out)
	}
	if !strings.Contains(out, "Version: 4") {
		t.Fatalf("version marker missing:\n%s", out)
	}
	if !strings.Contains(out, "UID: 04 A1 A2 88 A4 A5 A6") {
		t.Fatalf("UID line missing:\n%s", out)
	}
}

func TestFormatForPath(t *testing.T) {
	cases := []struct {
		path string
		want Format
	}{
		{"dump.bin", FormatBinary},
		{"dump.BIN", FormatBinary},
		{"dump.nfc", FormatTextHex},
		{"dump.txt", FormatTextHex},
		{"dump", FormatTextHex},
	}
	for _, tc := range cases {
		if got := FormatForPath(tc.path); got != tc.want {
			t.Fatalf("FormatForPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

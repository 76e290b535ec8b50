package ntag

// TagSize is the full NTAG215 memory image handled by this tool: 133 pages of
// 4 bytes. Anything shorter or longer is rejected before repair logic runs.
const (
	TagSize   = 532
	PageSize  = 4
	PageCount = TagSize / PageSize
)

// Byte offsets of the structural fields. The head of the image carries the
// 7-byte UID followed by the anti-collision bytes; the configuration fields
// sit in the final pages.
const (
	OffUID  = 0 // 7 bytes
	UIDLen  = 7
	OffBCC0 = 8
	OffCT   = 9
	OffBCC1 = 10
	OffLock = 11 // 2 bytes, read-only

	OffPWD  = 508 // page 127, 4 bytes
	PWDLen  = 4
	OffPACK = 512 // page 128, 2 bytes
	PACKLen = 2
	OffDLB  = 520 // page 130, byte 0
	OffCFG0 = 527 // page 131, byte 3
	OffCFG1 = 528 // page 132, byte 0
)

const (
	// CascadeTag is the fixed cascade tag byte for 7-byte UID tags.
	CascadeTag = 0x88
	// UIDFlagByte is the manufacturer flag expected in the 4th UID position.
	UIDFlagByte = 0x88
)

// BitField pins one bit-masked configuration byte: only bits inside Mask are
// monitored or ever rewritten.
type BitField struct {
	Name     string
	Offset   int
	Mask     byte
	Expected byte
}

// Known-good configuration for Flipper-to-Switch emulation. Bit 5 of the
// access byte (CFG1) is reserved and stays unmonitored. Values confirmed
// against known-good emulation dumps; data, not logic.
var (
	FieldDLB  = BitField{Name: "DLB", Offset: OffDLB, Mask: 0xFF, Expected: 0x01}
	FieldCFG0 = BitField{Name: "CFG0", Offset: OffCFG0, Mask: 0xFF, Expected: 0x04}
	FieldCFG1 = BitField{Name: "CFG1", Offset: OffCFG1, Mask: 0xDF, Expected: 0x5F}
)

var (
	// FactoryPWD and FactoryPACK are the delivery-state values; a pair where
	// exactly one side still holds its factory value is inconsistent.
	FactoryPWD  = [PWDLen]byte{0xFF, 0xFF, 0xFF, 0xFF}
	FactoryPACK = [PACKLen]byte{0x00, 0x00}
	// EmulationPACK is the acknowledgement expected by console emulation.
	EmulationPACK = [PACKLen]byte{0x80, 0x80}
)

// UID returns the 7 UID bytes.
func (img *TagImage) UID() []byte {
	return img.Data[OffUID : OffUID+UIDLen]
}

func (img *TagImage) SetUIDByte(i int, b byte) {
	img.Data[OffUID+i] = b
}

func (img *TagImage) BCC0() byte     { return img.Data[OffBCC0] }
func (img *TagImage) SetBCC0(b byte) { img.Data[OffBCC0] = b }
func (img *TagImage) CT() byte       { return img.Data[OffCT] }
func (img *TagImage) SetCT(b byte)   { img.Data[OffCT] = b }
func (img *TagImage) BCC1() byte     { return img.Data[OffBCC1] }
func (img *TagImage) SetBCC1(b byte) { img.Data[OffBCC1] = b }

// PWD returns the 4-byte password field.
func (img *TagImage) PWD() []byte { return img.Data[OffPWD : OffPWD+PWDLen] }

func (img *TagImage) SetPWD(p []byte) { copy(img.Data[OffPWD:OffPWD+PWDLen], p) }

// PACK returns the 2-byte password acknowledgement.
func (img *TagImage) PACK() []byte { return img.Data[OffPACK : OffPACK+PACKLen] }

func (img *TagImage) SetPACK(p []byte) { copy(img.Data[OffPACK:OffPACK+PACKLen], p) }

// Bits reads the monitored bits of a bit-masked field.
func (img *TagImage) Bits(f BitField) byte {
	return img.Data[f.Offset] & f.Mask
}

// SetBits writes the monitored bits of a bit-masked field, leaving the
// unmonitored bits untouched.
func (img *TagImage) SetBits(f BitField, b byte) {
	img.Data[f.Offset] = img.Data[f.Offset]&^f.Mask | b&f.Mask
}

// ExpectedBCC0 computes the checksum over UID bytes 0-3.
func ExpectedBCC0(uid []byte) byte {
	return uid[0] ^ uid[1] ^ uid[2] ^ uid[3]
}

// ExpectedBCC1 computes the checksum over UID bytes 4-6 and the cascade tag.
func ExpectedBCC1(uid []byte, ct byte) byte {
	return uid[4] ^ uid[5] ^ uid[6] ^ ct
}

// DerivePWD computes the password a console expects for the given UID.
func DerivePWD(uid []byte) [PWDLen]byte {
	return [PWDLen]byte{
		uid[1] ^ uid[3] ^ 0xAA,
		uid[2] ^ uid[4] ^ 0x55,
		uid[3] ^ uid[5] ^ 0xAA,
		uid[4] ^ uid[6] ^ 0x55,
	}
}

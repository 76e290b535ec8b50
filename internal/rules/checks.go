package rules

import (
	"bytes"

	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
)

// A check pairs one validator with the mutation that brings the field to its
// expected value. Appliers only run on engine working copies.
type check struct {
	name    string
	enabled func(Options) bool
	eval    func(*ntag.TagImage) CheckResult
	apply   func(*ntag.TagImage)
}

// checkOrder is the fixed repair order. BCC0/BCC1 sit after the UID and CT
// corrections they depend on.
var checkOrder = []check{
	{
		name:    "UID",
		enabled: func(o Options) bool { return o.UID },
		eval:    CheckUID,
		apply:   func(img *ntag.TagImage) { img.SetUIDByte(3, ntag.UIDFlagByte) },
	},
	{
		name:    "CT",
		enabled: func(o Options) bool { return o.CT },
		eval:    CheckCT,
		apply:   func(img *ntag.TagImage) { img.SetCT(ntag.CascadeTag) },
	},
	{
		name:    "BCC0",
		enabled: func(o Options) bool { return o.BCC0 },
		eval:    CheckBCC0,
		apply:   func(img *ntag.TagImage) { img.SetBCC0(ntag.ExpectedBCC0(img.UID())) },
	},
	{
		name:    "BCC1",
		enabled: func(o Options) bool { return o.BCC1 },
		eval:    CheckBCC1,
		apply:   func(img *ntag.TagImage) { img.SetBCC1(ntag.ExpectedBCC1(img.UID(), img.CT())) },
	},
	{
		name:    "PWD/PACK",
		enabled: func(o Options) bool { return o.PwdPack },
		eval:    CheckPwdPack,
		apply: func(img *ntag.TagImage) {
			pwd := ntag.DerivePWD(img.UID())
			img.SetPWD(pwd[:])
			img.SetPACK(ntag.EmulationPACK[:])
		},
	},
	{
		name:    "DLB",
		enabled: func(o Options) bool { return o.DLB },
		eval:    CheckDLB,
		apply:   func(img *ntag.TagImage) { img.SetBits(ntag.FieldDLB, ntag.FieldDLB.Expected) },
	},
	{
		name:    "CFG0",
		enabled: func(o Options) bool { return o.CFG0 },
		eval:    CheckCFG0,
		apply:   func(img *ntag.TagImage) { img.SetBits(ntag.FieldCFG0, ntag.FieldCFG0.Expected) },
	},
	{
		name:    "CFG1",
		enabled: func(o Options) bool { return o.CFG1 },
		eval:    CheckCFG1,
		apply:   func(img *ntag.TagImage) { img.SetBits(ntag.FieldCFG1, ntag.FieldCFG1.Expected) },
	},
}

// CheckUID verifies the manufacturer flag in the 4th UID position. The other
// UID bytes are the tag's identity and are never judged or invented.
func CheckUID(img *ntag.TagImage) CheckResult {
	uid := img.UID()
	expected := append([]byte(nil), uid...)
	expected[3] = ntag.UIDFlagByte
	return CheckResult{
		Field:    "UID",
		Expected: hexStr(expected),
		Actual:   hexStr(uid),
		Matches:  uid[3] == ntag.UIDFlagByte,
	}
}

// CheckCT verifies the cascade tag constant.
func CheckCT(img *ntag.TagImage) CheckResult {
	return CheckResult{
		Field:    "CT",
		Expected: hexStr([]byte{ntag.CascadeTag}),
		Actual:   hexStr([]byte{img.CT()}),
		Matches:  img.CT() == ntag.CascadeTag,
	}
}

// CheckBCC0 verifies the checksum over UID bytes 0-3.
func CheckBCC0(img *ntag.TagImage) CheckResult {
	want := ntag.ExpectedBCC0(img.UID())
	return CheckResult{
		Field:    "BCC0",
		Expected: hexStr([]byte{want}),
		Actual:   hexStr([]byte{img.BCC0()}),
		Matches:  img.BCC0() == want,
	}
}

// CheckBCC1 verifies the checksum over UID bytes 4-6 and the stored cascade
// tag; it runs after the CT check so a corrected CT feeds the expectation.
func CheckBCC1(img *ntag.TagImage) CheckResult {
	want := ntag.ExpectedBCC1(img.UID(), img.CT())
	return CheckResult{
		Field:    "BCC1",
		Expected: hexStr([]byte{want}),
		Actual:   hexStr([]byte{img.BCC1()}),
		Matches:  img.BCC1() == want,
	}
}

// CheckPwdPack verifies that password and PACK agree about the tag's state:
// a pair where exactly one side still holds its factory value cannot
// authenticate and is flagged. The expected value is the UID-derived password
// plus the emulation PACK.
func CheckPwdPack(img *ntag.TagImage) CheckResult {
	pwd := img.PWD()
	pack := img.PACK()
	derived := ntag.DerivePWD(img.UID())
	expected := append(derived[:], ntag.EmulationPACK[:]...)
	pwdFactory := bytes.Equal(pwd, ntag.FactoryPWD[:])
	packFactory := bytes.Equal(pack, ntag.FactoryPACK[:])
	return CheckResult{
		Field:    "PWD/PACK",
		Expected: hexStr(expected),
		Actual:   hexStr(append(append([]byte(nil), pwd...), pack...)),
		Matches:  pwdFactory == packFactory,
	}
}

// CheckDLB verifies the dynamic lock byte against the emulation baseline.
func CheckDLB(img *ntag.TagImage) CheckResult { return checkBits(img, ntag.FieldDLB) }

// CheckCFG0 verifies the monitored CFG0 bits.
func CheckCFG0(img *ntag.TagImage) CheckResult { return checkBits(img, ntag.FieldCFG0) }

// CheckCFG1 verifies the monitored CFG1 bits; reserved bits never flag.
func CheckCFG1(img *ntag.TagImage) CheckResult { return checkBits(img, ntag.FieldCFG1) }

func checkBits(img *ntag.TagImage, f ntag.BitField) CheckResult {
	return CheckResult{
		Field:    f.Name,
		Expected: hexStr([]byte{f.Expected & f.Mask}),
		Actual:   hexStr([]byte{img.Bits(f)}),
		Matches:  img.Bits(f) == f.Expected&f.Mask,
	}
}

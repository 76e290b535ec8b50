package rules

import (
	"testing"

	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
)

func TestCheckUIDFlag(t *testing.T) {
	img := buildHealthyImage(t)
	if res := CheckUID(img); !res.Matches {
		t.Fatalf("healthy UID flagged: %+v", res)
	}
	img.SetUIDByte(3, 0x42)
	res := CheckUID(img)
	if res.Matches {
		t.Fatalf("wrong UID flag not caught")
	}
	if res.Expected != "04 A1 A2 88 A4 A5 A6" {
		t.Fatalf("expected = %q", res.Expected)
	}
	if res.Actual != "04 A1 A2 42 A4 A5 A6" {
		t.Fatalf("actual = %q", res.Actual)
	}
}

func TestCheckBCCValues(t *testing.T) {
	img := buildHealthyImage(t)
	if res := CheckBCC0(img); !res.Matches {
		t.Fatalf("healthy BCC0 flagged: %+v", res)
	}
	if res := CheckBCC1(img); !res.Matches {
		t.Fatalf("healthy BCC1 flagged: %+v", res)
	}
	img.SetBCC0(0x00)
	if res := CheckBCC0(img); res.Matches {
		t.Fatalf("zeroed BCC0 not caught")
	}
	img.SetBCC1(0xFF)
	if res := CheckBCC1(img); res.Matches {
		t.Fatalf("bad BCC1 not caught")
	}
}

func TestCheckPwdPackPairing(t *testing.T) {
	factoryPwd := ntag.FactoryPWD[:]
	factoryPack := ntag.FactoryPACK[:]

	t.Run("both factory is consistent", func(t *testing.T) {
		img := buildHealthyImage(t)
		img.SetPWD(factoryPwd)
		img.SetPACK(factoryPack)
		if res := CheckPwdPack(img); !res.Matches {
			t.Fatalf("factory pair flagged: %+v", res)
		}
	})
	t.Run("both set is consistent", func(t *testing.T) {
		img := buildHealthyImage(t)
		if res := CheckPwdPack(img); !res.Matches {
			t.Fatalf("emulation pair flagged: %+v", res)
		}
	})
	t.Run("factory pwd with set pack is inconsistent", func(t *testing.T) {
		img := buildHealthyImage(t)
		img.SetPWD(factoryPwd)
		if res := CheckPwdPack(img); res.Matches {
			t.Fatalf("half-factory pair not caught")
		}
	})
	t.Run("set pwd with factory pack is inconsistent", func(t *testing.T) {
		img := buildHealthyImage(t)
		img.SetPACK(factoryPack)
		if res := CheckPwdPack(img); res.Matches {
			t.Fatalf("half-factory pair not caught")
		}
	})
}

func TestPwdPackRepairDerivesFromUID(t *testing.T) {
	img := buildHealthyImage(t)
	img.SetPWD(ntag.FactoryPWD[:])

	out, report := NewEngine(AllChecks(), Apply).Run(img)
	fields := report.Fields()
	if len(fields) != 1 || fields[0] != "PWD/PACK" {
		t.Fatalf("fields = %v, want [PWD/PACK]", fields)
	}
	want := ntag.DerivePWD(out.UID())
	for i, b := range out.PWD() {
		if b != want[i] {
			t.Fatalf("PWD[%d] = %02X, want %02X", i, b, want[i])
		}
	}
	if out.PACK()[0] != 0x80 || out.PACK()[1] != 0x80 {
		t.Fatalf("PACK = % X, want 80 80", out.PACK())
	}
}

func TestCheckConfigBitMasks(t *testing.T) {
	img := buildHealthyImage(t)
	if res := CheckDLB(img); !res.Matches {
		t.Fatalf("healthy DLB flagged: %+v", res)
	}
	if res := CheckCFG0(img); !res.Matches {
		t.Fatalf("healthy CFG0 flagged: %+v", res)
	}
	if res := CheckCFG1(img); !res.Matches {
		t.Fatalf("healthy CFG1 flagged: %+v", res)
	}

	// Bit 5 of CFG1 sits outside the mask; flipping it alone must not flag.
	img.Data[ntag.OffCFG1] = ntag.FieldCFG1.Expected | 0x20
	if res := CheckCFG1(img); !res.Matches {
		t.Fatalf("reserved CFG1 bit flagged: %+v", res)
	}
	img.Data[ntag.OffCFG1] = 0x00
	if res := CheckCFG1(img); res.Matches {
		t.Fatalf("cleared CFG1 bits not caught")
	}
}

func TestConfigRepairPreservesReservedBits(t *testing.T) {
	img := buildHealthyImage(t)
	// Monitored bits wrong, reserved bit set: the repair must fix the former
	// and leave the latter alone.
	img.Data[ntag.OffCFG1] = 0x20

	out, _ := NewEngine(Options{CFG1: true}, Apply).Run(img)
	if got := out.Data[ntag.OffCFG1]; got != (0x20 | ntag.FieldCFG1.Expected&ntag.FieldCFG1.Mask) {
		t.Fatalf("CFG1 = %02X, reserved bit lost or monitored bits wrong", got)
	}
}

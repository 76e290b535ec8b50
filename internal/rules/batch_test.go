package rules

import (
	"testing"
	"time"
)

func TestFileResultClean(t *testing.T) {
	cases := []struct {
		name string
		fr   FileResult
		want bool
	}{
		{"no entries no error", FileResult{File: "a.bin"}, true},
		{"entries", FileResult{File: "a.bin", Entries: []RepairEntry{{Field: "CT"}}}, false},
		{"error", FileResult{File: "a.bin", Err: "boom"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.fr.Clean(); got != tc.want {
				t.Fatalf("Clean() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBatchReportFoldsSummary(t *testing.T) {
	b := NewBatchReport(Apply, "dumps")
	if b.Mode != "apply" || b.Root != "dumps" || b.Ts.IsZero() {
		t.Fatalf("report header = %+v", b)
	}
	b.Add(FileResult{File: "clean.bin"})
	b.Add(FileResult{File: "broken.nfc", Entries: []RepairEntry{
		{Ts: time.Now().UTC(), Field: "CT"},
		{Ts: time.Now().UTC(), Field: "BCC1"},
	}, Converted: true})
	b.Add(FileResult{File: "short.bin", Err: "wrong length"})

	s := b.Summary
	if s.Files != 3 || s.Clean != 1 || s.Repaired != 1 || s.Converted != 1 || s.Failed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Repairs != 2 {
		t.Fatalf("repairs = %d, want 2", s.Repairs)
	}
}

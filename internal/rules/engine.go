package rules

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
)

// Mode selects whether corrections are written or only reported.
type Mode int

const (
	Preview Mode = iota
	Apply
)

func (m Mode) String() string {
	if m == Apply {
		return "apply"
	}
	return "preview"
}

// Options enables individual checks. The zero value disables everything;
// callers usually start from AllChecks.
type Options struct {
	UID     bool
	CT      bool
	BCC0    bool
	BCC1    bool
	PwdPack bool
	DLB     bool
	CFG0    bool
	CFG1    bool
}

// AllChecks returns Options with every check enabled.
func AllChecks() Options {
	return Options{UID: true, CT: true, BCC0: true, BCC1: true, PwdPack: true, DLB: true, CFG0: true, CFG1: true}
}

// CheckResult is the outcome of one validator against one image.
type CheckResult struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Matches  bool   `json:"matches"`
}

// RepairEntry records one correction that was applied, or would be applied in
// preview mode. Checks that pass produce no entry.
type RepairEntry struct {
	Ts      time.Time `json:"ts"`
	File    string    `json:"file,omitempty"`
	Field   string    `json:"field"`
	Old     string    `json:"old"`
	New     string    `json:"new"`
	Applied bool      `json:"applied"`
}

// RepairReport is the ordered change list of a single repair run. It is not
// modified after Run returns.
type RepairReport struct {
	File    string        `json:"file,omitempty"`
	Mode    string        `json:"mode"`
	Entries []RepairEntry `json:"entries,omitempty"`
}

// Applied counts entries actually written to the image.
func (r RepairReport) Applied() int {
	n := 0
	for _, e := range r.Entries {
		if e.Applied {
			n++
		}
	}
	return n
}

// Fields returns the names of the mismatched fields in repair order.
func (r RepairReport) Fields() []string {
	out := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Field
	}
	return out
}

// WriteNDJSON appends the report entries to path, one JSON object per line.
func (r RepairReport) WriteNDJSON(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, e := range r.Entries {
		b, _ := json.Marshal(e)
		w.Write(b)
		w.WriteString("\n")
	}
	return nil
}

// Engine runs the enabled checks in their fixed order and applies (or
// previews) the corrections.
type Engine struct {
	opts Options
	mode Mode
}

func NewEngine(opts Options, mode Mode) *Engine {
	return &Engine{opts: opts, mode: mode}
}

// Run evaluates every enabled check against a working copy of img, applying
// each correction to that copy before later checks run, so checksum fields
// see corrected structural bytes. In Apply mode the working copy is returned;
// in Preview mode the caller's image is returned untouched while the report
// still lists every would-apply entry. Mismatches are data, never errors.
func (e *Engine) Run(img *ntag.TagImage) (*ntag.TagImage, RepairReport) {
	report := RepairReport{File: img.Path, Mode: e.mode.String()}
	work := img.Clone()
	for _, c := range checkOrder {
		if !c.enabled(e.opts) {
			continue
		}
		res := c.eval(work)
		if res.Matches {
			continue
		}
		c.apply(work)
		report.Entries = append(report.Entries, RepairEntry{
			Ts:      time.Now().UTC(),
			File:    img.Path,
			Field:   res.Field,
			Old:     res.Actual,
			New:     res.Expected,
			Applied: e.mode == Apply,
		})
	}
	if e.mode == Apply {
		return work, report
	}
	return img, report
}

// Evaluate runs the enabled validators against the image as stored, without
// chaining, for status displays.
func Evaluate(img *ntag.TagImage, opts Options) []CheckResult {
	var out []CheckResult
	for _, c := range checkOrder {
		if !c.enabled(opts) {
			continue
		}
		out = append(out, c.eval(img))
	}
	return out
}

// ProcessOptions is the per-file contract with the surrounding I/O layer.
type ProcessOptions struct {
	Checks      Options
	Mode        Mode
	ConvertToV4 bool
}

// Result is the outcome of one per-file run.
type Result struct {
	Corrected  []byte // re-encoded image, Apply mode only
	Report     RepairReport
	Checks     []CheckResult // stored-state verdicts, no chaining
	Conversion *ntag.ConversionResult
}

// Process decodes raw content, optionally upgrades the text schema to v4,
// records the stored-state verdict of every enabled validator, runs the
// repair engine and re-encodes. Codec and schema errors abort the run for
// this file; validator mismatches never do.
func Process(raw []byte, format ntag.Format, path string, opts ProcessOptions) (Result, error) {
	content := raw
	var conv *ntag.ConversionResult
	if opts.ConvertToV4 && format == ntag.FormatTextHex {
		c, err := ntag.ConvertToV4(raw)
		if err != nil {
			return Result{}, err
		}
		conv = &c
		content = c.Content
	}
	img, err := ntag.Decode(content, format)
	if err != nil {
		return Result{}, err
	}
	img.Path = path

	checks := Evaluate(img, opts.Checks)
	out, report := NewEngine(opts.Checks, opts.Mode).Run(img)
	res := Result{Report: report, Checks: checks, Conversion: conv}
	if opts.Mode == Apply {
		res.Corrected = ntag.Encode(out)
	}
	return res, nil
}

func hexStr(data []byte) string {
	s := strings.ToUpper(hex.EncodeToString(data))
	pairs := make([]string, len(data))
	for i := range data {
		pairs[i] = s[2*i : 2*i+2]
	}
	return strings.Join(pairs, " ")
}

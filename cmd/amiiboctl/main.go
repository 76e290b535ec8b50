package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/amec0e/TheAmiiboDoctor/internal/common"
	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
	"github.com/amec0e/TheAmiiboDoctor/internal/report"
	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "scan":
		scanCmd(os.Args[2:])
	case "fix":
		fixCmd(os.Args[2:])
	case "convert":
		convertCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`amiiboctl %s (built %s) <command> [options]

Commands:
  scan     --in <file|dir> [check toggles] [--convert] [--json <report.json>] [--metrics] [--progress]
  fix      --in <file|dir> [check toggles] [--convert] [--no-backup] [--audit <repairs.ndjson>] [--json <report.json>] [--metrics] [--progress]
  convert  --in <file|dir> [--no-backup]
  report   --json <report.json> --pdf <report.pdf> [--qr <report.png>]

Check toggles disable individual checks:
  --no-uid --no-ct --no-bcc0 --no-bcc1 --no-pwd-pack --no-dlb --no-cfg0 --no-cfg1
`, version, buildDate)
}

type checkFlags struct {
	noUID     *bool
	noCT      *bool
	noBCC0    *bool
	noBCC1    *bool
	noPwdPack *bool
	noDLB     *bool
	noCFG0    *bool
	noCFG1    *bool
}

func addCheckFlags(fs *flag.FlagSet) checkFlags {
	return checkFlags{
		noUID:     fs.Bool("no-uid", false, "skip the UID flag check"),
		noCT:      fs.Bool("no-ct", false, "skip the cascade tag check"),
		noBCC0:    fs.Bool("no-bcc0", false, "skip the BCC0 checksum check"),
		noBCC1:    fs.Bool("no-bcc1", false, "skip the BCC1 checksum check"),
		noPwdPack: fs.Bool("no-pwd-pack", false, "skip the PWD/PACK pairing check"),
		noDLB:     fs.Bool("no-dlb", false, "skip the dynamic lock byte check"),
		noCFG0:    fs.Bool("no-cfg0", false, "skip the CFG0 check"),
		noCFG1:    fs.Bool("no-cfg1", false, "skip the CFG1 check"),
	}
}

func (f checkFlags) options() rules.Options {
	opts := rules.AllChecks()
	opts.UID = !*f.noUID
	opts.CT = !*f.noCT
	opts.BCC0 = !*f.noBCC0
	opts.BCC1 = !*f.noBCC1
	opts.PwdPack = !*f.noPwdPack
	opts.DLB = !*f.noDLB
	opts.CFG0 = !*f.noCFG0
	opts.CFG1 = !*f.noCFG1
	return opts
}

func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	in := fs.String("in", "", "input file or directory")
	convert := fs.Bool("convert", false, "upgrade v2/v3 text dumps to v4 before checking")
	jsonOut := fs.String("json", "", "write the batch report JSON to this path")
	metricsFlag := fs.Bool("metrics", false, "print batch metrics")
	progressFlag := fs.Bool("progress", false, "display progress updates")
	checks := addCheckFlags(fs)
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	batch, err := runBatch(batchOptions{
		root:     *in,
		checks:   checks.options(),
		mode:     rules.Preview,
		convert:  *convert,
		metrics:  *metricsFlag,
		progress: *progressFlag,
	})
	if err != nil {
		common.Fatalf("scan: %v", err)
	}
	printSummary(batch)
	if *jsonOut != "" {
		if err := report.SaveBatchJSON(batch, *jsonOut); err != nil {
			common.Fatalf("write report: %v", err)
		}
	}
	if batch.Summary.Failed > 0 {
		os.Exit(1)
	}
}

func fixCmd(args []string) {
	fs := flag.NewFlagSet("fix", flag.ExitOnError)
	in := fs.String("in", "", "input file or directory")
	convert := fs.Bool("convert", false, "upgrade v2/v3 text dumps to v4 before checking")
	noBackup := fs.Bool("no-backup", false, "do not back up files before writing")
	audit := fs.String("audit", "", "append applied corrections to this JSONL file")
	jsonOut := fs.String("json", "", "write the batch report JSON to this path")
	metricsFlag := fs.Bool("metrics", false, "print batch metrics")
	progressFlag := fs.Bool("progress", false, "display progress updates")
	checks := addCheckFlags(fs)
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	batch, err := runBatch(batchOptions{
		root:     *in,
		checks:   checks.options(),
		mode:     rules.Apply,
		convert:  *convert,
		backup:   !*noBackup,
		audit:    *audit,
		metrics:  *metricsFlag,
		progress: *progressFlag,
	})
	if err != nil {
		common.Fatalf("fix: %v", err)
	}
	printSummary(batch)
	if *jsonOut != "" {
		if err := report.SaveBatchJSON(batch, *jsonOut); err != nil {
			common.Fatalf("write report: %v", err)
		}
	}
	if batch.Summary.Failed > 0 {
		os.Exit(1)
	}
}

func convertCmd(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "input file or directory")
	noBackup := fs.Bool("no-backup", false, "do not back up files before writing")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	paths, root, err := discoverFiles(*in)
	if err != nil {
		common.Fatalf("convert: %v", err)
	}
	var backups *backupTree
	if !*noBackup {
		backups = newBackupTree(root)
	}
	converted, failed := 0, 0
	for _, path := range paths {
		if ntag.FormatForPath(path) != ntag.FormatTextHex {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			common.Logf("%s: %v", path, err)
			failed++
			continue
		}
		conv, err := ntag.ConvertToV4(raw)
		if err != nil {
			common.Logf("%s: %v", path, err)
			failed++
			continue
		}
		if !conv.Changed {
			continue
		}
		if backups != nil {
			if err := backups.save(path); err != nil {
				common.Logf("%s: backup: %v", path, err)
				failed++
				continue
			}
		}
		if err := os.WriteFile(path, conv.Content, 0o644); err != nil {
			common.Logf("%s: %v", path, err)
			failed++
			continue
		}
		converted++
		fmt.Printf("converted %s\n", path)
	}
	fmt.Printf("converted=%d failed=%d\n", converted, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	jsonIn := fs.String("json", "", "batch report JSON")
	pdfOut := fs.String("pdf", "report.pdf", "PDF output path")
	qrOut := fs.String("qr", "", "write a QR code PNG of the report digest")
	fs.Parse(args)

	if *jsonIn == "" {
		fmt.Println("required: --json")
		os.Exit(1)
	}
	rep, err := report.LoadBatchJSON(*jsonIn)
	if err != nil {
		common.Fatalf("load report: %v", err)
	}
	if err := report.SaveBatchPDF(rep, *pdfOut); err != nil {
		common.Fatalf("write pdf: %v", err)
	}
	fmt.Printf("wrote %s\n", *pdfOut)
	if *qrOut != "" {
		digest, _, err := common.Sha256OfFile(*jsonIn)
		if err != nil {
			common.Fatalf("hash report: %v", err)
		}
		png, err := report.DigestToQR(digest, 256)
		if err != nil {
			common.Fatalf("qr: %v", err)
		}
		if err := os.WriteFile(*qrOut, png, 0o644); err != nil {
			common.Fatalf("write qr: %v", err)
		}
		fmt.Printf("wrote %s\n", *qrOut)
	}
}

func printSummary(batch *rules.BatchReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tFORMAT\tSCHEMA\tSTATUS\tCHECKS")
	for _, r := range batch.Results {
		status := "clean"
		detail := checkMarks(r.Checks)
		switch {
		case r.Err != "":
			status = "error"
			detail = r.Err
		case !r.Clean():
			status = "repair"
		}
		schema := r.Schema
		if schema == "" {
			schema = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", filepath.Base(r.File), r.Format, schema, status, detail)
	}
	w.Flush()
	if breakdown := issueBreakdown(batch); breakdown != "" {
		fmt.Printf("issues: %s\n", breakdown)
	}
	if schemas := schemaBreakdown(batch); schemas != "" {
		fmt.Printf("schemas: %s\n", schemas)
	}
	s := batch.Summary
	fmt.Printf("files=%d clean=%d repaired=%d converted=%d failed=%d corrections=%d\n",
		s.Files, s.Clean, s.Repaired, s.Converted, s.Failed, s.Repairs)
}

// checkMarks renders the stored-state verdicts as one mark per field in
// repair order.
func checkMarks(checks []rules.CheckResult) string {
	if len(checks) == 0 {
		return "-"
	}
	parts := make([]string, len(checks))
	for i, c := range checks {
		mark := "✓"
		if !c.Matches {
			mark = "✗"
		}
		parts[i] = c.Field + mark
	}
	return strings.Join(parts, " ")
}

// schemaBreakdown counts text dumps per detected schema version.
func schemaBreakdown(batch *rules.BatchReport) string {
	counts := make(map[string]int)
	for _, r := range batch.Results {
		if r.Schema != "" {
			counts[r.Schema]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	versions := make([]string, 0, len(counts))
	for v := range counts {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = fmt.Sprintf("%s=%d", v, counts[v])
	}
	return strings.Join(parts, " ")
}

// issueBreakdown counts mismatches per field across the batch, in repair
// order.
func issueBreakdown(batch *rules.BatchReport) string {
	counts := make(map[string]int)
	for _, r := range batch.Results {
		for _, e := range r.Entries {
			counts[e.Field]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	order := []string{"UID", "CT", "BCC0", "BCC1", "PWD/PACK", "DLB", "CFG0", "CFG1"}
	var parts []string
	for _, field := range order {
		if n := counts[field]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", field, n))
		}
	}
	return strings.Join(parts, " ")
}

func printMetrics(snap common.MetricsSnapshot) {
	fmt.Printf("Metrics: duration=%s files=%d repairs=%d failures=%d processed=%s (%.1f files/s)\n",
		snap.Duration.Round(10*time.Millisecond),
		snap.Files,
		snap.Repairs,
		snap.Failures,
		common.FormatBytes(snap.Bytes),
		snap.FilesPerSecond(),
	)
}

package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/amec0e/TheAmiiboDoctor/internal/common"
	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

type batchOptions struct {
	root     string
	checks   rules.Options
	mode     rules.Mode
	convert  bool
	backup   bool
	audit    string
	metrics  bool
	progress bool
}

// discoverFiles resolves the input to the list of tag files to process. A
// directory is walked recursively for .nfc and .bin files; backup trees from
// earlier runs are skipped.
func discoverFiles(in string) ([]string, string, error) {
	info, err := os.Stat(in)
	if err != nil {
		return nil, "", err
	}
	if !info.IsDir() {
		return []string{in}, filepath.Dir(in), nil
	}
	var paths []string
	err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != in && strings.HasPrefix(d.Name(), "backup") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".nfc", ".bin":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	sort.Strings(paths)
	return paths, in, nil
}

// backupTree copies files into a timestamped directory under the scan root
// before they are modified. Each file is backed up at most once per run, and
// the directory is only created when the first backup happens.
type backupTree struct {
	root  string
	dir   string
	saved map[string]struct{}
}

func newBackupTree(root string) *backupTree {
	name := "backup_" + time.Now().Format("20060102_150405")
	return &backupTree{
		root:  root,
		dir:   filepath.Join(root, name),
		saved: make(map[string]struct{}),
	}
}

func (b *backupTree) save(path string) error {
	if _, ok := b.saved[path]; ok {
		return nil
	}
	rel, err := filepath.Rel(b.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	dst := filepath.Join(b.dir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := copyFile(path, dst); err != nil {
		return err
	}
	b.saved[path] = struct{}{}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func runBatch(opts batchOptions) (*rules.BatchReport, error) {
	paths, root, err := discoverFiles(opts.root)
	if err != nil {
		return nil, err
	}
	batch := rules.NewBatchReport(opts.mode, root)

	var metrics *common.Metrics
	if opts.metrics || opts.progress {
		metrics = common.NewMetrics()
		metrics.SetTotalFiles(int64(len(paths)))
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && opts.progress {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}

	var backups *backupTree
	if opts.mode == rules.Apply && opts.backup {
		backups = newBackupTree(root)
	}
	var audit *common.PatchLog
	if opts.audit != "" {
		audit = common.NewPatchLog(opts.audit)
	}

	for _, path := range paths {
		fr := processOne(path, opts, backups, audit)
		batch.Add(fr)
		if metrics != nil {
			if info, err := os.Stat(path); err == nil {
				metrics.AddFile(info.Size())
			} else {
				metrics.AddFile(0)
			}
			metrics.AddRepairs(len(fr.Entries))
			if fr.Err != "" {
				metrics.IncFailure()
			}
		}
	}

	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
		if opts.metrics {
			printMetrics(metrics.Snapshot())
		}
	}
	return batch, nil
}

// processOne runs the repair pipeline for a single file. Decode and schema
// failures land in the result's error field so one broken file never aborts
// the batch.
func processOne(path string, opts batchOptions, backups *backupTree, audit *common.PatchLog) rules.FileResult {
	format := ntag.FormatForPath(path)
	fr := rules.FileResult{File: path, Format: format.String()}

	raw, err := os.ReadFile(path)
	if err != nil {
		fr.Err = err.Error()
		return fr
	}
	if format == ntag.FormatTextHex {
		if schema := ntag.DetectSchema(raw); schema != ntag.SchemaUnknown {
			fr.Schema = schema.String()
		}
	}

	res, err := rules.Process(raw, format, path, rules.ProcessOptions{
		Checks:      opts.checks,
		Mode:        opts.mode,
		ConvertToV4: opts.convert,
	})
	if err != nil {
		fr.Err = err.Error()
		return fr
	}
	fr.Checks = res.Checks
	fr.Entries = res.Report.Entries
	fr.Converted = res.Conversion != nil && res.Conversion.Changed

	if opts.mode == rules.Apply && (len(res.Report.Entries) > 0 || fr.Converted) {
		if backups != nil {
			if err := backups.save(path); err != nil {
				fr.Err = fmt.Sprintf("backup: %v", err)
				return fr
			}
		}
		if err := os.WriteFile(path, res.Corrected, 0o644); err != nil {
			fr.Err = err.Error()
			return fr
		}
		if audit != nil {
			for _, e := range res.Report.Entries {
				entry := common.PatchEntry{
					Field:     e.Field,
					File:      path,
					BeforeHex: compactHex(e.Old),
					AfterHex:  compactHex(e.New),
					Ts:        e.Ts,
				}
				if err := audit.Append(entry); err != nil {
					common.Logf("%s: audit: %v", path, err)
				}
			}
		}
	}
	return fr
}

func compactHex(spaced string) string {
	return strings.ToLower(strings.ReplaceAll(spaced, " ", ""))
}

package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
	"github.com/amec0e/TheAmiiboDoctor/internal/report"
	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced
// by repair requests.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	concurrency int
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "amiibod-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	s := &Server{
		artifacts:   &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:     workDir,
		uploadsDir:  uploadsDir,
		concurrency: concurrency,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) resolvePath(token string) (string, string, error) {
	if token == "" {
		return "", "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, art.Name, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", "", err
	}
	return abs, filepath.Base(abs), nil
}

type repairRequest struct {
	Input   string   `json:"input"`
	Checks  []string `json:"checks"`
	Convert bool     `json:"convert"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.handleRepair(w, r, rules.Preview)
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	s.handleRepair(w, r, rules.Apply)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request, mode rules.Mode) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}
	inputPath, displayName, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	checks, err := checksFromNames(req.Checks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("read input: %v", err), http.StatusInternalServerError)
		return
	}
	format := ntag.FormatForPath(displayName)
	res, err := rules.Process(raw, format, displayName, rules.ProcessOptions{
		Checks:      checks,
		Mode:        mode,
		ConvertToV4: req.Convert,
	})
	if err != nil {
		status := http.StatusBadRequest
		if stream {
			writer := NewNDJSONWriter(w)
			w.Header().Set("Content-Type", "application/x-ndjson")
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		http.Error(w, fmt.Sprintf("process: %v", err), status)
		return
	}

	var artifacts []ArtifactRef
	if mode == rules.Apply && res.Corrected != nil {
		outPath, err := s.tempPath("fixed-*" + filepath.Ext(displayName))
		if err != nil {
			http.Error(w, fmt.Sprintf("output temp: %v", err), http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(outPath, res.Corrected, 0o644); err != nil {
			http.Error(w, fmt.Sprintf("write output: %v", err), http.StatusInternalServerError)
			return
		}
		art, err := s.addArtifact(outPath, displayName, "", "fixed")
		if err != nil {
			http.Error(w, fmt.Sprintf("register output: %v", err), http.StatusInternalServerError)
			return
		}
		artifacts = append(artifacts, toRef(art))

		if len(res.Report.Entries) > 0 {
			logPath, err := s.tempPath("repairs-*.ndjson")
			if err == nil {
				if err := res.Report.WriteNDJSON(logPath); err == nil {
					if logArt, err := s.addArtifact(logPath, "repairs.ndjson", "application/x-ndjson", "repairlog"); err == nil {
						artifacts = append(artifacts, toRef(logArt))
					}
				}
			}
		}
	}

	if stream {
		writer := NewNDJSONWriter(w)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, e := range res.Report.Entries {
			if err := writer.WriteEntry(e); err != nil {
				return
			}
		}
		summary := struct {
			Type      string        `json:"type"`
			File      string        `json:"file"`
			Mode      string        `json:"mode"`
			Converted bool          `json:"converted"`
			Entries   int           `json:"entries"`
			Artifacts []ArtifactRef `json:"artifacts,omitempty"`
		}{
			Type:      "summary",
			File:      displayName,
			Mode:      res.Report.Mode,
			Converted: res.Conversion != nil && res.Conversion.Changed,
			Entries:   len(res.Report.Entries),
			Artifacts: artifacts,
		}
		_ = writer.WriteObject(summary)
		return
	}

	resp := struct {
		Report    rules.RepairReport `json:"report"`
		Converted bool               `json:"converted"`
		Artifacts []ArtifactRef      `json:"artifacts,omitempty"`
	}{
		Report:    res.Report,
		Converted: res.Conversion != nil && res.Conversion.Changed,
		Artifacts: artifacts,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}
	inputPath, displayName, err := s.resolvePath(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
		return
	}
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("read input: %v", err), http.StatusInternalServerError)
		return
	}
	conv, err := ntag.ConvertToV4(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("convert: %v", err), http.StatusBadRequest)
		return
	}
	var artifact *ArtifactRef
	if conv.Changed {
		outPath, err := s.tempPath("converted-*.nfc")
		if err != nil {
			http.Error(w, fmt.Sprintf("output temp: %v", err), http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(outPath, conv.Content, 0o644); err != nil {
			http.Error(w, fmt.Sprintf("write output: %v", err), http.StatusInternalServerError)
			return
		}
		art, err := s.addArtifact(outPath, displayName, "text/plain", "converted")
		if err != nil {
			http.Error(w, fmt.Sprintf("register output: %v", err), http.StatusInternalServerError)
			return
		}
		ref := toRef(art)
		artifact = &ref
	}
	resp := struct {
		File     string       `json:"file"`
		Changed  bool         `json:"changed"`
		Artifact *ArtifactRef `json:"artifact,omitempty"`
	}{File: displayName, Changed: conv.Changed, Artifact: artifact}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs []string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	// Inputs are independent, so they are previewed by a bounded pool and
	// folded back in request order.
	results := make([]rules.FileResult, len(req.Inputs))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, in := range req.Inputs {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.previewFile(in)
		}(i, in)
	}
	wg.Wait()
	batch := rules.NewBatchReport(rules.Preview, "")
	for _, fr := range results {
		batch.Add(fr)
	}
	jsonPath, err := s.tempPath("report-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("report temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SaveBatchJSON(batch, jsonPath); err != nil {
		http.Error(w, fmt.Sprintf("write report: %v", err), http.StatusInternalServerError)
		return
	}
	pdfPath, err := s.tempPath("report-*.pdf")
	if err != nil {
		http.Error(w, fmt.Sprintf("report pdf temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SaveBatchPDF(batch, pdfPath); err != nil {
		http.Error(w, fmt.Sprintf("write pdf: %v", err), http.StatusInternalServerError)
		return
	}
	jsonArt, err := s.addArtifact(jsonPath, "report.json", "application/json", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register report: %v", err), http.StatusInternalServerError)
		return
	}
	pdfArt, err := s.addArtifact(pdfPath, "report.pdf", "application/pdf", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register pdf: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Report    *rules.BatchReport `json:"report"`
		Artifacts []ArtifactRef      `json:"artifacts"`
	}{
		Report:    batch,
		Artifacts: []ArtifactRef{toRef(jsonArt), toRef(pdfArt)},
	}
	writeJSON(w, http.StatusOK, resp)
}

// previewFile runs an all-checks preview for one report input. Resolve, read
// and codec failures land in the result's error field so one broken input
// never fails the whole report.
func (s *Server) previewFile(in string) rules.FileResult {
	path, name, err := s.resolvePath(in)
	if err != nil {
		return rules.FileResult{File: in, Err: err.Error()}
	}
	fr := rules.FileResult{File: name, Format: ntag.FormatForPath(name).String()}
	raw, err := os.ReadFile(path)
	if err != nil {
		fr.Err = err.Error()
		return fr
	}
	res, err := rules.Process(raw, ntag.FormatForPath(name), name, rules.ProcessOptions{
		Checks: rules.AllChecks(),
		Mode:   rules.Preview,
	})
	if err != nil {
		fr.Err = err.Error()
		return fr
	}
	fr.Checks = res.Checks
	fr.Entries = res.Report.Entries
	return fr
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func checksFromNames(names []string) (rules.Options, error) {
	if len(names) == 0 {
		return rules.AllChecks(), nil
	}
	var opts rules.Options
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "uid":
			opts.UID = true
		case "ct":
			opts.CT = true
		case "bcc0":
			opts.BCC0 = true
		case "bcc1":
			opts.BCC1 = true
		case "pwd", "pack", "pwdpack", "pwd/pack":
			opts.PwdPack = true
		case "dlb":
			opts.DLB = true
		case "cfg0":
			opts.CFG0 = true
		case "cfg1":
			opts.CFG1 = true
		default:
			return rules.Options{}, fmt.Errorf("unknown check %q", name)
		}
	}
	return opts, nil
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".nfc", ".txt":
		return "text/plain"
	case ".bin":
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

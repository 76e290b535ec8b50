package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/amec0e/TheAmiiboDoctor/internal/ntag"
	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

func writeBrokenTagBin(t *testing.T, path string) []byte {
	t.Helper()
	data := make([]byte, ntag.TagSize)
	uid := []byte{0x04, 0xA1, 0xA2, 0x88, 0xA4, 0xA5, 0xA6}
	copy(data[ntag.OffUID:], uid)
	data[ntag.OffBCC0] = ntag.ExpectedBCC0(uid)
	data[ntag.OffCT] = 0x00 // wrong cascade tag
	data[ntag.OffBCC1] = ntag.ExpectedBCC1(uid, 0x00)
	pwd := ntag.DerivePWD(uid)
	copy(data[ntag.OffPWD:], pwd[:])
	copy(data[ntag.OffPACK:], ntag.EmulationPACK[:])
	data[ntag.OffDLB] = ntag.FieldDLB.Expected
	data[ntag.OffCFG0] = ntag.FieldCFG0.Expected
	data[ntag.OffCFG1] = ntag.FieldCFG1.Expected
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return data
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Options{StorageDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHandleCheckDoesNotModifyInput(t *testing.T) {
	_, ts := newTestServer(t)
	inputPath := filepath.Join(t.TempDir(), "broken.bin")
	original := writeBrokenTagBin(t, inputPath)

	resp := postJSON(t, ts.URL+"/check", map[string]any{"input": inputPath})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("/check status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Report    rules.RepairReport `json:"report"`
		Artifacts []ArtifactRef      `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got := out.Report.Fields(); len(got) != 2 || got[0] != "CT" || got[1] != "BCC1" {
		t.Fatalf("fields = %v, want [CT BCC1]", got)
	}
	for _, e := range out.Report.Entries {
		if e.Applied {
			t.Fatalf("check entry marked applied: %+v", e)
		}
	}
	if len(out.Artifacts) != 0 {
		t.Fatalf("check produced artifacts: %+v", out.Artifacts)
	}
	onDisk, err := os.ReadFile(inputPath)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if !bytes.Equal(onDisk, original) {
		t.Fatalf("input modified by /check")
	}
}

func TestHandleFixProducesCorrectedArtifact(t *testing.T) {
	_, ts := newTestServer(t)
	inputPath := filepath.Join(t.TempDir(), "broken.bin")
	writeBrokenTagBin(t, inputPath)

	resp := postJSON(t, ts.URL+"/fix", map[string]any{"input": inputPath})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("/fix status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Report    rules.RepairReport `json:"report"`
		Artifacts []ArtifactRef      `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Report.Applied() != 2 {
		t.Fatalf("applied = %d, want 2", out.Report.Applied())
	}
	var fixed *ArtifactRef
	for i := range out.Artifacts {
		if out.Artifacts[i].Kind == "fixed" {
			fixed = &out.Artifacts[i]
		}
	}
	if fixed == nil {
		t.Fatalf("no fixed artifact in response: %+v", out.Artifacts)
	}

	dl, err := http.Get(ts.URL + "/artifacts/" + fixed.ID)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("artifact status %d", dl.StatusCode)
	}
	raw, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	img, err := ntag.Decode(raw, ntag.FormatBinary)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if img.CT() != ntag.CascadeTag {
		t.Fatalf("artifact CT = %02X, want %02X", img.CT(), ntag.CascadeTag)
	}
	if img.BCC1() != ntag.ExpectedBCC1(img.UID(), ntag.CascadeTag) {
		t.Fatalf("artifact BCC1 not recomputed")
	}
}

func TestHandleCheckRejectsBadLength(t *testing.T) {
	_, ts := newTestServer(t)
	inputPath := filepath.Join(t.TempDir(), "short.bin")
	if err := os.WriteFile(inputPath, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	resp := postJSON(t, ts.URL+"/check", map[string]any{"input": inputPath})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleCheckUnknownCheckName(t *testing.T) {
	_, ts := newTestServer(t)
	inputPath := filepath.Join(t.TempDir(), "broken.bin")
	writeBrokenTagBin(t, inputPath)
	resp := postJSON(t, ts.URL+"/check", map[string]any{
		"input":  inputPath,
		"checks": []string{"magic"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadThenFixByArtifactID(t *testing.T) {
	_, ts := newTestServer(t)
	tmp := filepath.Join(t.TempDir(), "broken.bin")
	data := writeBrokenTagBin(t, tmp)

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "file", "broken.bin", data)
	resp, err := http.Post(ts.URL+"/upload", mw, &buf)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("/upload status %d: %s", resp.StatusCode, string(body))
	}
	var up struct {
		Files []ArtifactRef `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if len(up.Files) != 1 {
		t.Fatalf("uploaded files = %d, want 1", len(up.Files))
	}

	fixResp := postJSON(t, ts.URL+"/fix", map[string]any{"input": up.Files[0].ID})
	defer fixResp.Body.Close()
	if fixResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(fixResp.Body)
		t.Fatalf("/fix status %d: %s", fixResp.StatusCode, string(body))
	}
	var out struct {
		Report rules.RepairReport `json:"report"`
	}
	if err := json.NewDecoder(fixResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode fix response: %v", err)
	}
	if out.Report.Applied() == 0 {
		t.Fatalf("expected applied corrections for uploaded artifact")
	}
}

// newMultipart writes a single-file multipart body into buf and returns the
// request content type.
func newMultipart(t *testing.T, buf *bytes.Buffer, field, filename string, data []byte) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return mw.FormDataContentType()
}

func TestHandleReportProcessesInputsWithWorkerPool(t *testing.T) {
	srv, err := NewServer(Options{StorageDir: t.TempDir(), Concurrency: 3})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	var inputs []string
	for i := 0; i < 5; i++ {
		p := filepath.Join(dir, fmt.Sprintf("broken-%d.bin", i))
		writeBrokenTagBin(t, p)
		inputs = append(inputs, p)
	}
	short := filepath.Join(dir, "short.bin")
	if err := os.WriteFile(short, make([]byte, 10), 0o644); err != nil {
		t.Fatalf("write short: %v", err)
	}
	inputs = append(inputs, short)

	resp := postJSON(t, ts.URL+"/report", map[string]any{"inputs": inputs})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("/report status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Report    *rules.BatchReport `json:"report"`
		Artifacts []ArtifactRef      `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	s := out.Report.Summary
	if s.Files != 6 || s.Repaired != 5 || s.Failed != 1 {
		t.Fatalf("summary = %+v, want files=6 repaired=5 failed=1", s)
	}
	// Results come back in request order regardless of worker scheduling.
	for i, fr := range out.Report.Results {
		if fr.File != filepath.Base(inputs[i]) {
			t.Fatalf("result %d = %s, want %s", i, fr.File, filepath.Base(inputs[i]))
		}
	}
	if len(out.Report.Results[0].Checks) == 0 {
		t.Fatalf("expected stored-state checks in report results")
	}
	if len(out.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want report.json and report.pdf", len(out.Artifacts))
	}
}

func TestHandleFixStreamsEntries(t *testing.T) {
	_, ts := newTestServer(t)
	inputPath := filepath.Join(t.TempDir(), "broken.bin")
	writeBrokenTagBin(t, inputPath)

	resp := postJSON(t, ts.URL+"/fix?stream=true", map[string]any{"input": inputPath})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %s, want application/x-ndjson", ct)
	}
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("stream lines = %d, want 2 entries and a summary", len(lines))
	}
	var first rules.RepairEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first entry: %v", err)
	}
	if first.Field != "CT" || !first.Applied {
		t.Fatalf("first entry = %+v, want applied CT correction", first)
	}
	var summary struct {
		Type    string `json:"type"`
		Entries int    `json:"entries"`
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Type != "summary" || summary.Entries != 2 {
		t.Fatalf("summary = %+v, want type=summary entries=2", summary)
	}
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	_, ts := newTestServer(t)
	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "file", "notes.txt", []byte("not a tag"))
	resp, err := http.Post(ts.URL+"/upload", mw, &buf)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

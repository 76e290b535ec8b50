package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/amec0e/TheAmiiboDoctor/internal/common"
	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

// SaveBatchPDF renders the given batch report into a PDF document.
func SaveBatchPDF(rep *rules.BatchReport, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Tag Repair Report", false)
	pdf.SetAuthor("amiiboctl", false)
	pdf.SetCreator("amiiboctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "Tag Repair Report")
	addSummarySection(pdf, rep)
	addFileMatrixSection(pdf, rep.Results)
	addRepairSection(pdf, rep.Results)
	addDigestSection(pdf, rep)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, rep *rules.BatchReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Run", value: rep.Ts.Format(time.RFC3339)},
		{label: "Mode", value: rep.Mode},
		{label: "Files", value: strconv.Itoa(rep.Summary.Files)},
		{label: "Clean", value: strconv.Itoa(rep.Summary.Clean)},
		{label: "Repaired", value: strconv.Itoa(rep.Summary.Repaired)},
		{label: "Converted", value: strconv.Itoa(rep.Summary.Converted)},
		{label: "Failed", value: strconv.Itoa(rep.Summary.Failed)},
		{label: "Corrections", value: strconv.Itoa(rep.Summary.Repairs)},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addFileMatrixSection(pdf *gofpdf.Fpdf, rows []rules.FileResult) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "File Matrix")
	pdf.Ln(9)

	headers := []string{"File", "Format", "Schema", "Status", "Fields"}
	widths := []float64{76, 18, 18, 24, 54}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	lineHeight := 5.0
	for _, row := range rows {
		values := []string{
			filepath.Base(row.File),
			emptyFallback(row.Format, "-"),
			emptyFallback(row.Schema, "-"),
			statusLabel(row),
			fieldList(row),
		}
		renderTableRow(pdf, widths, values, lineHeight)
	}
	pdf.Ln(4)
}

func addRepairSection(pdf *gofpdf.Fpdf, rows []rules.FileResult) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Corrections")
	pdf.Ln(9)

	count := 0
	for _, row := range rows {
		for _, e := range row.Entries {
			count++
			pdf.SetFont("Helvetica", "B", 10)
			header := fmt.Sprintf("%d. %s: %s", count, filepath.Base(row.File), e.Field)
			pdf.MultiCell(0, 5, header, "", "L", false)

			pdf.SetFont("Helvetica", "", 9)
			detail := fmt.Sprintf("%s -> %s", e.Old, e.New)
			if !e.Applied {
				detail += " (not applied)"
			}
			pdf.MultiCell(0, 4, detail, "", "L", false)
			pdf.Ln(1)
		}
		if row.Err != "" {
			count++
			pdf.SetFont("Helvetica", "B", 10)
			pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s: error", count, filepath.Base(row.File)), "", "L", false)
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, row.Err, "", "L", false)
			pdf.Ln(1)
		}
	}
	if count == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No corrections recorded.", "", "L", false)
	}
}

// addDigestSection stamps the report with a QR of its SHA-256 so a printed
// copy can be matched against the JSON artifact.
func addDigestSection(pdf *gofpdf.Fpdf, rep *rules.BatchReport) {
	payload, err := json.Marshal(rep)
	if err != nil {
		return
	}
	digest := common.Sha256OfBytes(payload)
	png, err := DigestToQR(digest, 256)
	if err != nil {
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("report-digest", opts, bytes.NewReader(png))

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Report Digest")
	pdf.Ln(9)
	pdf.ImageOptions("report-digest", pdf.GetX(), pdf.GetY(), 30, 30, false, opts, 0, "")
	pdf.SetY(pdf.GetY() + 32)
	pdf.SetFont("Helvetica", "", 8)
	pdf.MultiCell(0, 4, digest, "", "L", false)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		cellText := strings.Join(lines, "\n")
		pdf.MultiCell(widths[i], lineHeight, cellText, "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func statusLabel(r rules.FileResult) string {
	switch {
	case r.Err != "":
		return "ERROR"
	case len(r.Entries) == 0:
		return "CLEAN"
	default:
		return "REPAIRED"
	}
}

func fieldList(r rules.FileResult) string {
	if len(r.Entries) == 0 {
		return "-"
	}
	fields := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		fields = append(fields, e.Field)
	}
	return strings.Join(fields, ", ")
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

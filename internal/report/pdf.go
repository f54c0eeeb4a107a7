package report

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jung-kurt/gofpdf"

	"example.com/telemlog/internal/common"
)

// maxRegionsListed caps the resync table; the JSON report keeps them all.
const maxRegionsListed = 50

// SaveDecodePDF renders the decode report into a PDF document with the
// format fingerprint as a QR code.
func SaveDecodePDF(rep DecodeReport, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Decode Report", false)
	pdf.SetAuthor("telemctl", false)
	pdf.SetCreator("telemctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "Decode Report")
	if err := addFingerprintQR(pdf, rep.Fingerprint); err != nil {
		return err
	}
	addSummarySection(pdf, rep)
	addVariantSection(pdf, rep.Variants)
	addInputsSection(pdf, rep.Inputs)
	addResyncSection(pdf, rep.Inputs)

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

func addFingerprintQR(pdf *gofpdf.Fpdf, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	png, err := FingerprintQR(fingerprint, 256)
	if err != nil {
		return err
	}
	name := "fingerprint-qr"
	pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions(name, pageW-right-30, 15, 30, 30, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	return nil
}

func addSummarySection(pdf *gofpdf.Fpdf, rep DecodeReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{"Generated", rep.Generated.Format(time.RFC3339)},
		{"Format", emptyFallback(rep.Fingerprint, "-")},
		{"Inputs", strconv.Itoa(len(rep.Inputs))},
		{"Records", humanize.Comma(rep.Records)},
		{"Table", fmt.Sprintf("%s rows x %d columns", humanize.Comma(int64(rep.Rows)), rep.Columns)},
		{"Resynchronized regions", strconv.Itoa(rep.Resyncs)},
		{"Skipped", common.FormatBytes(rep.SkippedBytes)},
		{"Duration", (time.Duration(rep.DurationMs) * time.Millisecond).String()},
	}
	for _, item := range items {
		pdf.CellFormat(55, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addVariantSection(pdf *gofpdf.Fpdf, variants []Variant) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Record Kinds")
	pdf.Ln(9)

	headers := []string{"Determinant", "Name", "Size", "Fields"}
	widths := []float64{30, 90, 30, 30}
	tableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	for _, v := range variants {
		renderTableRow(pdf, widths, []string{
			strconv.FormatUint(uint64(v.Determinant), 10),
			v.Name,
			strconv.Itoa(v.Size) + " B",
			strconv.Itoa(v.Fields),
		}, 5)
	}
	pdf.Ln(4)
}

func addInputsSection(pdf *gofpdf.Fpdf, inputs []Input) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Inputs")
	pdf.Ln(9)

	headers := []string{"#", "File", "Size", "Mode", "Records", "Skipped"}
	widths := []float64{8, 62, 22, 30, 30, 28}
	tableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	for i, in := range inputs {
		mode := "external"
		if in.SelfDescribing {
			mode = "self-describing"
		}
		if in.Truncated {
			mode += ", truncated"
		}
		renderTableRow(pdf, widths, []string{
			strconv.Itoa(i),
			filepath.Base(in.Path),
			common.FormatBytes(in.Size),
			mode,
			humanize.Comma(in.Records),
			common.FormatBytes(in.SkippedBytes),
		}, 5)
		if in.Sha256 != "" {
			pdf.SetFont("Courier", "", 7)
			pdf.MultiCell(0, 4, "sha256 "+in.Sha256, "", "L", false)
			pdf.SetFont("Helvetica", "", 9)
		}
		if len(in.PerVariant) > 0 {
			names := make([]string, 0, len(in.PerVariant))
			for name := range in.PerVariant {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, len(names))
			for j, name := range names {
				parts[j] = fmt.Sprintf("%s: %s", name, humanize.Comma(in.PerVariant[name]))
			}
			pdf.MultiCell(0, 4, strings.Join(parts, " · "), "", "L", false)
		}
	}
	pdf.Ln(4)
}

func addResyncSection(pdf *gofpdf.Fpdf, inputs []Input) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Resynchronization")
	pdf.Ln(9)

	total := 0
	for _, in := range inputs {
		total += len(in.Resyncs)
	}
	if total == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No corrupt regions were skipped.", "", "L", false)
		return
	}

	headers := []string{"#", "File", "Offset", "Length"}
	widths := []float64{8, 90, 41, 41}
	tableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	listed := 0
	for i, in := range inputs {
		for _, r := range in.Resyncs {
			if listed == maxRegionsListed {
				pdf.MultiCell(0, 5, fmt.Sprintf("... %d more regions in the JSON report", total-listed), "", "L", false)
				return
			}
			renderTableRow(pdf, widths, []string{
				strconv.Itoa(i),
				filepath.Base(in.Path),
				fmt.Sprintf("0x%x", r.Offset),
				humanize.Comma(r.Length) + " B",
			}, 5)
			listed++
		}
	}
}

func tableHeader(pdf *gofpdf.Fpdf, headers []string, widths []float64) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := emptyFallback(val, "-")
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+float64(maxLines)*lineHeight)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

package services

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf/v2"
)

// PDFService renders Markdown study notes to PDF.
type PDFService struct {
	now func() time.Time
}

func NewPDFService() *PDFService {
	return &PDFService{now: time.Now}
}

// Render returns the PDF bytes for markdown under title.
func (s *PDFService) Render(title, markdown string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Notes"
	}

	pdf.SetTitle(title, true)
	pdf.SetAuthor("skribly", false)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("%d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(title), "", "L", false)
	pdf.SetFont("Helvetica", "", 9)
	pdf.Cell(0, 6, s.now().Format("02/01/2006 15:04"))
	pdf.Ln(10)

	s.writeMarkdown(pdf, tr, markdown)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *PDFService) writeMarkdown(pdf *gofpdf.Fpdf, tr func(string) string, markdown string) {
	lines := strings.Split(strings.TrimSpace(markdown), "\n")
	if len(lines) == 1 && strings.TrimSpace(lines[0]) == "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "(empty)", "", "L", false)
		return
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			pdf.Ln(3)
		case strings.HasPrefix(line, "### "):
			s.heading(pdf, tr, strings.TrimPrefix(line, "### "), 12)
		case strings.HasPrefix(line, "## "):
			s.heading(pdf, tr, strings.TrimPrefix(line, "## "), 14)
		case strings.HasPrefix(line, "# "):
			s.heading(pdf, tr, strings.TrimPrefix(line, "# "), 16)
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			indent := float64(len(raw)-len(strings.TrimLeft(raw, " \t"))) * 1.5
			pdf.SetFont("Helvetica", "", 11)
			pdf.SetX(pdf.GetX() + 4 + indent)
			pdf.MultiCell(0, 6, tr("• "+stripEmphasis(line[2:])), "", "L", false)
		default:
			pdf.SetFont("Helvetica", "", 11)
			pdf.MultiCell(0, 6, tr(stripEmphasis(line)), "", "L", false)
		}
	}
}

func (s *PDFService) heading(pdf *gofpdf.Fpdf, tr func(string) string, text string, size float64) {
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", size)
	pdf.MultiCell(0, size*0.5, tr(stripEmphasis(text)), "", "L", false)
	pdf.Ln(1)
}

func stripEmphasis(text string) string {
	return strings.NewReplacer("**", "", "__", "", "`", "").Replace(strings.TrimSpace(text))
}

package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"medstudy/internal/models"
)

// ErrDocumentUnreadable means the file could not be opened as a document at all.
var ErrDocumentUnreadable = errors.New("document unreadable")

// errNoRaster is returned by Render for pages without a raster source.
var errNoRaster = errors.New("page has no raster source")

type PDFService struct {
	// ghostscript binary used for rasterization.
	gsPath string
}

func NewPDFService() *PDFService {
	return &PDFService{gsPath: "gs"}
}

// ExtractPages reads every page of a .pdf or .txt file. It either returns the
// full ordered page list or an error; there is no partial result.
func (s *PDFService) ExtractPages(ctx context.Context, path string) ([]models.Page, error) {
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		return s.extractTextFile(path)
	}
	return s.extractPDF(ctx, path)
}

func (s *PDFService) extractTextFile(path string) ([]models.Page, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	page := models.Page{
		Number: 1,
		Text:   strings.ReplaceAll(string(raw), "\r\n", "\n"),
		Render: func(context.Context, float64) (string, error) {
			return "", errNoRaster
		},
	}
	return []models.Page{page}, nil
}

func (s *PDFService) extractPDF(ctx context.Context, path string) (pages []models.Page, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrDocumentUnreadable, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	defer f.Close()

	numPages := r.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrDocumentUnreadable)
	}

	pages = make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		page := models.Page{Number: i, Render: s.pageRenderer(path, i)}
		if !p.V.IsNull() {
			page.Text = pageText(p)
			page.EmbeddedImageCount = countPageImages(p)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// pageText joins the page's text fragments in content-stream order, breaking
// the line whenever the baseline moves. Wide horizontal gaps become two
// spaces so column layouts stay separable.
func pageText(p pdf.Page) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = plainText(p)
		}
	}()

	var b strings.Builder
	var prev *pdf.Text
	fragments := p.Content().Text
	for i := range fragments {
		t := fragments[i]
		if prev != nil {
			lineHeight := math.Max(prev.FontSize, 1)
			switch {
			case math.Abs(t.Y-prev.Y) > lineHeight*0.5:
				b.WriteString("\n")
			case t.X-(prev.X+prev.W) > lineHeight:
				b.WriteString("  ")
			case t.X-(prev.X+prev.W) > lineHeight*0.2 && !strings.HasSuffix(prev.S, " ") && !strings.HasPrefix(t.S, " "):
				b.WriteString(" ")
			}
		}
		b.WriteString(t.S)
		prev = &t
	}
	return b.String()
}

func plainText(p pdf.Page) string {
	defer func() { _ = recover() }()
	text, err := p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}

// countPageImages replays the page's content stream and counts Do operators
// that paint an Image XObject. Any failure yields zero.
func countPageImages(p pdf.Page) (count int) {
	defer func() {
		if r := recover(); r != nil {
			count = 0
		}
	}()

	xobjects := p.Resources().Key("XObject")
	if xobjects.IsNull() {
		return 0
	}

	do := func(stk *pdf.Stack, op string) {
		if op != "Do" || stk.Len() < 1 {
			return
		}
		name := stk.Pop().Name()
		if xobjects.Key(name).Key("Subtype").Name() == "Image" {
			count++
		}
	}

	contents := p.V.Key("Contents")
	if contents.Kind() == pdf.Array {
		for i := 0; i < contents.Len(); i++ {
			pdf.Interpret(contents.Index(i), do)
		}
		return count
	}
	pdf.Interpret(contents, do)
	return count
}

// pageRenderer returns a closure that rasterizes one page with Ghostscript
// at 72*scale DPI and returns a PNG data URI.
func (s *PDFService) pageRenderer(path string, pageNum int) func(context.Context, float64) (string, error) {
	return func(ctx context.Context, scale float64) (string, error) {
		if scale <= 0 {
			scale = 1
		}
		tempDir, err := os.MkdirTemp("", "page-render-*")
		if err != nil {
			return "", fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tempDir)

		output := filepath.Join(tempDir, "page.png")
		cmd := exec.CommandContext(ctx, s.gsPath,
			"-dQUIET",
			"-dSAFER",
			"-dNOPAUSE",
			"-dBATCH",
			"-sDEVICE=png16m",
			fmt.Sprintf("-r%d", int(math.Round(72*scale))),
			fmt.Sprintf("-dFirstPage=%d", pageNum),
			fmt.Sprintf("-dLastPage=%d", pageNum),
			fmt.Sprintf("-sOutputFile=%s", output),
			path,
		)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("ghostscript render page %d: %w, stderr: %s", pageNum, err, stderr.String())
		}

		imageData, err := os.ReadFile(output)
		if err != nil {
			return "", fmt.Errorf("read rendered page %d: %w", pageNum, err)
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageData), nil
	}
}

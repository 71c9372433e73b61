package internal

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"legalrag/types"
)

var articleHeadingRe = regexp.MustCompile(`Article\s+\d+(?:\.\d+)*(?:\s*(?:bis|ter|quater))?`)

// PDFLoader extracts statute PDFs, one document per article.
type PDFLoader struct {
	// cropTop and cropBottom, in points, strip running headers and footers.
	cropTop    float64
	cropBottom float64
	logger     *slog.Logger
}

type PDFOption func(*PDFLoader)

// WithMarginCrop removes top and bottom margins before text extraction.
func WithMarginCrop(top, bottom float64) PDFOption {
	return func(l *PDFLoader) {
		l.cropTop = top
		l.cropBottom = bottom
	}
}

func NewPDFLoader(opts ...PDFOption) *PDFLoader {
	l := &PDFLoader{logger: slog.Default().With("component", "pdf-loader")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *PDFLoader) Supports(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

func (l *PDFLoader) Load(path string) ([]types.Document, error) {
	fileName := filepath.Base(path)
	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid PDF %s: %v", types.ErrValidation, fileName, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: %s has no pages", types.ErrValidation, fileName)
	}

	src := path
	if l.cropTop > 0 || l.cropBottom > 0 {
		tmp, err := os.MkdirTemp("", "legalrag-pdf-")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		cropped := filepath.Join(tmp, fileName)
		if err := cropMargins(path, cropped, l.cropTop, l.cropBottom); err != nil {
			l.logger.Warn("margin crop failed, using original file", "file", fileName, "error", err)
		} else {
			src = cropped
		}
	}

	pages, err := extractPages(src)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrValidation, fileName, err)
	}

	docs := splitArticles(pages, documentName(fileName))
	for i := range docs {
		docs[i].Metadata[types.MetaSourceFile] = fileName
	}
	l.logger.Info("parsed documents", "file", fileName, "pages", pageCount, "count", len(docs))
	return docs, nil
}

// extractPages returns the plain text of each page, index 0 being page 1.
func extractPages(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pages := make([]string, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := pageText(p)
		if err != nil {
			slog.Warn("failed to extract page text", "page", i, "error", err)
			continue
		}
		pages[i-1] = text
	}
	return pages, nil
}

// pageText returns the text of p. Glyphs drawn outside the page CropBox,
// such as the margins removed by cropMargins, are skipped.
func pageText(p pdf.Page) (text string, err error) {
	lower, upper, ok := cropBounds(p)
	if !ok {
		return p.GetPlainText(nil)
	}

	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read page content: %v", r)
		}
	}()

	var (
		b     strings.Builder
		lastY = math.NaN()
	)
	for _, glyph := range p.Content().Text {
		if glyph.Y < lower || glyph.Y > upper {
			continue
		}
		if !math.IsNaN(lastY) && math.Abs(glyph.Y-lastY) > 1 {
			b.WriteByte('\n')
		}
		lastY = glyph.Y
		b.WriteString(glyph.S)
	}
	return b.String(), nil
}

// cropBounds reads the vertical extent of the CropBox inherited by p.
func cropBounds(p pdf.Page) (lower, upper float64, ok bool) {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("CropBox")
		if box.Len() != 4 {
			continue
		}
		y1, y2 := box.Index(1).Float64(), box.Index(3).Float64()
		return min(y1, y2), max(y1, y2), true
	}
	return 0, 0, false
}

type articleSpan struct {
	heading   string
	text      strings.Builder
	firstPage int
	lastPage  int
}

// splitArticles cuts page texts on "Article N" headings. Pages with text but
// no preceding heading become documents of their own.
func splitArticles(pages []string, name string) []types.Document {
	var (
		docs    []types.Document
		current *articleSpan
	)
	flush := func() {
		if current == nil {
			return
		}
		if content := strings.TrimSpace(current.text.String()); content != "" {
			docs = append(docs, types.Document{
				Content:      content,
				DocumentName: name,
				Article:      current.heading,
				Pages:        pageLabel(current.firstPage, current.lastPage),
				Metadata:     map[string]string{},
			})
		}
		current = nil
	}

	for i, text := range pages {
		page := i + 1
		if strings.TrimSpace(text) == "" {
			continue
		}
		locs := articleHeadingRe.FindAllStringIndex(text, -1)

		head := text
		if len(locs) > 0 {
			head = text[:locs[0][0]]
		}
		if strings.TrimSpace(head) != "" {
			if current == nil {
				current = &articleSpan{firstPage: page}
			} else {
				current.text.WriteString("\n")
			}
			current.text.WriteString(head)
			current.lastPage = page
			if current.heading == "" && len(locs) > 0 {
				flush()
			}
		}

		for j, loc := range locs {
			flush()
			end := len(text)
			if j+1 < len(locs) {
				end = locs[j+1][0]
			}
			current = &articleSpan{
				heading:   strings.Join(strings.Fields(text[loc[0]:loc[1]]), " "),
				firstPage: page,
				lastPage:  page,
			}
			current.text.WriteString(text[loc[0]:end])
		}
		if len(locs) == 0 && current != nil && current.heading == "" {
			flush()
		}
	}
	flush()
	return docs
}

func pageLabel(first, last int) string {
	if first == last {
		return strconv.Itoa(first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}

// documentName is the file name without its extension.
func documentName(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

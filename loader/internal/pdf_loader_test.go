package internal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/types"
)

// writeGazettePDF writes a one-page A4 PDF with a running header at y=810,
// an article body around y=700 and a footer at y=20.
func writeGazettePDF(t *testing.T, path string) {
	t.Helper()
	content := strings.Join([]string{
		"BT /F1 10 Tf 72 810 Td (JOURNAL OFFICIEL 5678) Tj ET",
		"BT /F1 12 Tf 72 700 Td (Article 1) Tj ET",
		"BT /F1 12 Tf 72 680 Td (La societe anonyme est une societe commerciale.) Tj ET",
		"BT /F1 10 Tf 72 20 Td (Page 1 sur 1) Tj ET",
	}, "\n")
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func joinedContent(docs []types.Document) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return strings.Join(parts, "\n")
}

func TestPDFLoader_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulletin_officiel.pdf")
	writeGazettePDF(t, path)

	docs, err := NewPDFLoader().Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	all := joinedContent(docs)
	assert.Contains(t, all, "JOURNAL OFFICIEL 5678")
	assert.Contains(t, all, "La societe anonyme est une societe commerciale.")
	assert.Contains(t, all, "Page 1 sur 1")
	for _, d := range docs {
		assert.Equal(t, "bulletin_officiel", d.DocumentName)
		assert.Equal(t, "bulletin_officiel.pdf", d.Metadata[types.MetaSourceFile])
	}
}

func TestPDFLoader_MarginCropDropsHeaderAndFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulletin_officiel.pdf")
	writeGazettePDF(t, path)

	docs, err := NewPDFLoader(WithMarginCrop(60, 60)).Load(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "Article 1", docs[0].Article)
	assert.Equal(t, "1", docs[0].Pages)
	assert.Contains(t, docs[0].Content, "La societe anonyme est une societe commerciale.")
	assert.NotContains(t, docs[0].Content, "JOURNAL OFFICIEL")
	assert.NotContains(t, docs[0].Content, "Page 1 sur 1")
}

func TestPDFLoader_InvalidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "corrompu.pdf", "not a pdf")
	_, err := NewPDFLoader().Load(path)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSplitArticles(t *testing.T) {
	pages := []string{
		"LOI N° 17-95 Dispositions générales Article 1 La société anonyme est commerciale. Article 2 Elle est constituée",
		"par sept associés au moins. Article 3 Le capital social",
		"",
		"Annexe sans titre",
	}

	docs := splitArticles(pages, "Loi 17-95")
	require.Len(t, docs, 4)

	assert.Equal(t, "", docs[0].Article)
	assert.Equal(t, "1", docs[0].Pages)
	assert.Contains(t, docs[0].Content, "Dispositions générales")

	assert.Equal(t, "Article 1", docs[1].Article)
	assert.Equal(t, "Article 1 La société anonyme est commerciale.", docs[1].Content)

	assert.Equal(t, "Article 2", docs[2].Article)
	assert.Equal(t, "1-2", docs[2].Pages)
	assert.Contains(t, docs[2].Content, "par sept associés au moins.")

	assert.Equal(t, "Article 3", docs[3].Article)
	assert.Equal(t, "2-4", docs[3].Pages)
	assert.Contains(t, docs[3].Content, "Annexe sans titre")
	for _, d := range docs {
		assert.Equal(t, "Loi 17-95", d.DocumentName)
	}
}

func TestSplitArticles_NoHeadings(t *testing.T) {
	docs := splitArticles([]string{"page un", "page deux"}, "doc")
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].Pages)
	assert.Equal(t, "page deux", docs[1].Content)
}

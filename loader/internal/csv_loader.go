package internal

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"legalrag/types"
)

// columnAliases maps lowercased CSV headers to document fields.
var columnAliases = map[string]string{
	"contenu":       "content",
	"content":       "content",
	"text":          "content",
	"texte":         "content",
	"doc":           "document_name",
	"document":      "document_name",
	"document_name": "document_name",
	"nom_document":  "document_name",
	"article":       "article",
	"chapitre":      "chapter",
	"chapter":       "chapter",
	"section":       "section",
	"pages":         "pages",
	"page":          "pages",
	"titre":         "title",
	"title":         "title",
	"livre":         "book",
	"book":          "book",
	"partie":        "part",
	"part":          "part",
}

// CSVLoader reads legal CSV exports, one document per row.
type CSVLoader struct {
	logger *slog.Logger
}

func NewCSVLoader() *CSVLoader {
	return &CSVLoader{logger: slog.Default().With("component", "csv-loader")}
}

func (l *CSVLoader) Supports(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

func (l *CSVLoader) Load(path string) ([]types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is empty", types.ErrValidation, filepath.Base(path))
		}
		return nil, fmt.Errorf("%w: %s: %v", types.ErrValidation, filepath.Base(path), err)
	}

	fields := make([]string, len(header))
	extras := make([]string, len(header))
	hasContent := false
	for i, col := range header {
		col = strings.TrimSpace(col)
		if field, ok := columnAliases[strings.ToLower(col)]; ok {
			fields[i] = field
			hasContent = hasContent || field == "content"
			continue
		}
		extras[i] = metadataKey(col)
	}
	if !hasContent {
		return nil, fmt.Errorf("%w: no content column found in %s", types.ErrValidation, filepath.Base(path))
	}

	fileName := filepath.Base(path)
	fallbackName := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	var docs []types.Document
	for row := 0; ; row++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			l.logger.Warn("skipping malformed row", "file", fileName, "row", row, "error", err)
			continue
		}

		doc := types.Document{
			Metadata: map[string]string{
				types.MetaSourceFile: fileName,
				types.MetaRowIndex:   strconv.Itoa(row),
			},
		}
		for i, value := range record {
			if i >= len(header) {
				break
			}
			value = strings.TrimSpace(value)
			if isBlank(value) {
				continue
			}
			switch fields[i] {
			case "content":
				doc.Content = value
			case "document_name":
				doc.DocumentName = value
			case "article":
				doc.Article = value
			case "chapter":
				doc.Chapter = value
			case "section":
				doc.Section = value
			case "pages":
				doc.Pages = value
			case "title", "book", "part":
				doc.Metadata[fields[i]] = value
			default:
				if extras[i] != "" {
					doc.Metadata[extras[i]] = value
				}
			}
		}
		if doc.Content == "" {
			continue
		}
		if doc.DocumentName == "" {
			doc.DocumentName = fallbackName
		}
		docs = append(docs, doc)
	}

	l.logger.Info("parsed documents", "file", fileName, "count", len(docs))
	return docs, nil
}

// detectDelimiter picks ';' when the header line has more of them than commas.
func detectDelimiter(data []byte) rune {
	line, _ := bufio.NewReader(bytes.NewReader(data)).ReadString('\n')
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

func isBlank(v string) bool {
	switch strings.ToLower(v) {
	case "", "nan", "null":
		return true
	}
	return false
}

func metadataKey(col string) string {
	return strings.Join(strings.Fields(strings.ToLower(col)), "_")
}

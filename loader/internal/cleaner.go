package internal

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"legalrag/types"
)

var (
	spaceRe        = regexp.MustCompile(`\s+`)
	punctRe        = regexp.MustCompile(`\s*([,.;:!?])\s*`)
	groupRe        = regexp.MustCompile(`\s*([(){}])\s*`)
	openBracketRe  = regexp.MustCompile(`\s*\[`)
	closeBracketRe = regexp.MustCompile(`\]\s*`)
	controlRe      = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	emptyBracketRe = regexp.MustCompile(`\s*\[\s*\]`)
	emptyParenRe   = regexp.MustCompile(`\s*\(\s*\)`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
		"‘", "'", "’", "'", "‚", "'",
		"–", "-", "—", "-",
		"…", "...",
	)

	articleRe = regexp.MustCompile(`(?i)Article\s+(\d+(?:\.\d+)*)`)
	lawRe     = regexp.MustCompile(`(?i)Loi\s+n°\s*(\d+[-\s]*\d+)`)
	dahirRe   = regexp.MustCompile(`(?i)dahir\s+n°\s*([^\s,;.]+)`)
	pageRefRe = regexp.MustCompile(`\[(\d+(?:-\d+)?)\]`)

	dateRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\d{1,2}\s+(?:janvier|février|mars|avril|mai|juin|juillet|août|septembre|octobre|novembre|décembre)\s+\d{4}`),
		regexp.MustCompile(`\d{1,2}[-/]\d{1,2}[-/]\d{4}`),
		regexp.MustCompile(`\d{4}[-/]\d{1,2}[-/]\d{1,2}`),
	}
	moneyRe   = regexp.MustCompile(`(?i)(\d+(?:\s*\d+)*)\s*(?:dirhams?|DH)`)
	percentRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)
)

// Clean normalizes a legal text for embedding. It fails with
// types.ErrValidation when nothing is left.
func Clean(text string) (string, error) {
	text = tidySpacing(text)
	text = norm.NFKC.String(text)
	text = quoteReplacer.Replace(text)
	text = controlRe.ReplaceAllString(text, "")
	text = emptyBracketRe.ReplaceAllString(text, "")
	text = emptyParenRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty content after cleaning", types.ErrValidation)
	}
	return text, nil
}

func tidySpacing(text string) string {
	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
	text = punctRe.ReplaceAllString(text, "$1 ")
	text = groupRe.ReplaceAllString(text, "$1")
	text = openBracketRe.ReplaceAllString(text, " [")
	text = closeBracketRe.ReplaceAllString(text, "]")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// ExtractLegalMetadata pulls article, law and dahir references out of text,
// along with dates, dirham amounts and percentages. Multi-valued keys are
// joined: page references with "," and the rest with ";" since their values
// may contain commas or spaces.
func ExtractLegalMetadata(text string) map[string]string {
	meta := map[string]string{}
	if m := articleRe.FindStringSubmatch(text); m != nil {
		meta["article_number"] = m[1]
	}
	if m := lawRe.FindStringSubmatch(text); m != nil {
		meta["law_reference"] = m[1]
	}
	if m := dahirRe.FindStringSubmatch(text); m != nil {
		meta["dahir_reference"] = m[1]
	}
	if refs := pageRefRe.FindAllStringSubmatch(text, -1); refs != nil {
		pages := make([]string, 0, len(refs))
		for _, r := range refs {
			pages = append(pages, r[1])
		}
		meta["page_references"] = strings.Join(pages, ",")
	}

	var dates []string
	for _, re := range dateRes {
		dates = append(dates, re.FindAllString(text, -1)...)
	}
	if len(dates) > 0 {
		meta["dates"] = strings.Join(dates, ";")
	}
	if amounts := submatches(moneyRe, text); len(amounts) > 0 {
		meta["monetary_amounts"] = strings.Join(amounts, ";")
	}
	if pct := submatches(percentRe, text); len(pct) > 0 {
		meta["percentages"] = strings.Join(pct, ";")
	}
	return meta
}

func submatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// CleanDocument cleans doc.Content in place and fills legal references the
// source did not label.
func CleanDocument(doc *types.Document) error {
	content, err := Clean(doc.Content)
	if err != nil {
		return err
	}
	doc.Content = content

	extracted := ExtractLegalMetadata(content)
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	for k, v := range extracted {
		if _, ok := doc.Metadata[k]; !ok {
			doc.Metadata[k] = v
		}
	}
	if doc.Article == "" && extracted["article_number"] != "" {
		doc.Article = "Article " + extracted["article_number"]
	}
	return nil
}

package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCSVLoader_MapsColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lois.csv",
		"DOC,Titre,Chapitre,Section,Article,Contenu,Pages,Index Source\n"+
			"Loi n° 17-95,Titre I,Chapitre 1,Section 1,Article 1,La société anonyme est une société commerciale.,12,A1\n"+
			"Loi n° 17-95,,,,Article 2,NaN,13,A2\n"+
			"Loi n° 17-95,,,,Article 3,\"Le capital, au minimum.\",14,\n")

	docs, err := NewCSVLoader().Load(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	first := docs[0]
	assert.Equal(t, "La société anonyme est une société commerciale.", first.Content)
	assert.Equal(t, "Loi n° 17-95", first.DocumentName)
	assert.Equal(t, "Article 1", first.Article)
	assert.Equal(t, "Chapitre 1", first.Chapter)
	assert.Equal(t, "Section 1", first.Section)
	assert.Equal(t, "12", first.Pages)
	assert.Equal(t, "Titre I", first.Metadata["title"])
	assert.Equal(t, "A1", first.Metadata["index_source"])
	assert.Equal(t, "lois.csv", first.Metadata[types.MetaSourceFile])
	assert.Equal(t, "0", first.Metadata[types.MetaRowIndex])

	second := docs[1]
	assert.Equal(t, "Le capital, au minimum.", second.Content)
	assert.Equal(t, "2", second.Metadata[types.MetaRowIndex])
	assert.NotContains(t, second.Metadata, "index_source")
}

func TestCSVLoader_SemicolonAndFallbackName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "code_travail.csv",
		"texte;article\n"+
			"Le contrat de travail est conclu librement.;Article 15\n"+
			"null;Article 16\n")

	docs, err := NewCSVLoader().Load(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "code_travail", docs[0].DocumentName)
	assert.Equal(t, "Article 15", docs[0].Article)
}

func TestCSVLoader_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewCSVLoader().Load(writeFile(t, dir, "empty.csv", ""))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = NewCSVLoader().Load(writeFile(t, dir, "nocontent.csv", "doc,article\nx,y\n"))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = NewCSVLoader().Load(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

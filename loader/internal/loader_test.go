package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalrag/types"
)

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.csv", "contenu\nx\n")
	writeFile(t, dir, "a.PDF", "")
	writeFile(t, dir, "notes.txt", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.csv"), 0o755))

	files, err := ListFiles(dir, NewCSVLoader(), NewPDFLoader())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.PDF"), filepath.Join(dir, "b.csv")}, files)

	_, err = ListFiles(filepath.Join(dir, "nope"), NewCSVLoader())
	assert.ErrorIs(t, err, types.ErrValidation)
}

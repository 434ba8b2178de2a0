package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectionsDataset() Dataset {
	d := Dataset{Title: "Sections", Headers: []string{"section", "course", "block", "room"}}
	d.Append("ALG/T1/1", "ALG", "Monday-Morning", "R1")
	d.Append("BIO/T1/1", "BIO", "Tuesday-Evening, late", "R2")
	return d
}

func TestCSVRendererWritesHeadersAndQuotedRows(t *testing.T) {
	out, err := NewCSVRenderer().Render(sectionsDataset())
	require.NoError(t, err)

	assert.Equal(t, "section,course,block,room\nALG/T1/1,ALG,Monday-Morning,R1\nBIO/T1/1,BIO,\"Tuesday-Evening, late\",R2\n", string(out))
}

func TestRenderRejectsRaggedRows(t *testing.T) {
	d := Dataset{Headers: []string{"a", "b"}, Rows: [][]string{{"only"}}}
	_, err := NewCSVRenderer().Render(d)
	require.Error(t, err)

	_, err = NewPDFRenderer().Render(Dataset{})
	require.Error(t, err)
}

func TestAppendPadsRow(t *testing.T) {
	d := Dataset{Headers: []string{"a", "b", "c"}}
	d.Append("1")
	assert.Equal(t, [][]string{{"1", "", ""}}, d.Rows)
}

func TestPDFRendererPaginates(t *testing.T) {
	d := Dataset{Title: "Occupancy", Headers: []string{"room", "term", "block", "section", "course", "teacher", "students"}}
	for i := 0; i < 120; i++ {
		d.Append("R1", "T1", "Monday-Morning", "ALG/T1/1", "ALG", "tch-a", "20")
	}

	out, err := NewPDFRenderer().Render(d)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestParseFormatAndRendererFor(t *testing.T) {
	format, err := ParseFormat(" PDF ")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, format)

	r, err := RendererFor(FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "csv", r.Extension())
	assert.Equal(t, "text/csv", r.ContentType())

	_, err = ParseFormat("xlsx")
	require.Error(t, err)
	_, err = RendererFor(Format("xlsx"))
	require.Error(t, err)
}

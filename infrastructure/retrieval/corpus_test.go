package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labourCorpus = `
intents:
  - intent: leave_entitlement
    keywords: [annual leave, leave]
  - intent: overtime
    keywords: [overtime]
documents:
  - id: art79
    title: "Law No. 13/2003 on Manpower, Article 79"
    keywords: [leave entitlement, annual leave]
    content: |
      Workers who have completed twelve months of continuous service are
      entitled to annual leave of at least twelve working days.
  - id: art84
    title: "Law No. 13/2003 on Manpower, Article 84"
    keywords: [leave pay]
    content: Workers taking annual leave are entitled to full wages.
  - id: art78
    title: "Law No. 13/2003 on Manpower, Article 78"
    keywords: [overtime]
    content: Overtime beyond the statutory working hours must be paid.
`

func writeCorpus(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCorpusSupplier_GetContext(t *testing.T) {
	path := writeCorpus(t, t.TempDir(), labourCorpus)

	tests := []struct {
		name       string
		query      string
		topK       int
		wantTitles []string
		wantIntent string
	}{
		{
			name:  "keyword and content matches rank by score",
			query: "Leave entitlement calculation",
			wantTitles: []string{
				"Law No. 13/2003 on Manpower, Article 79",
				"Law No. 13/2003 on Manpower, Article 84",
			},
			wantIntent: "leave_entitlement",
		},
		{
			name:       "top k truncates",
			query:      "leave entitlement calculation",
			topK:       1,
			wantTitles: []string{"Law No. 13/2003 on Manpower, Article 79"},
			wantIntent: "leave_entitlement",
		},
		{
			name:       "other intent",
			query:      "How is OVERTIME paid?",
			wantTitles: []string{"Law No. 13/2003 on Manpower, Article 78"},
			wantIntent: "overtime",
		},
		{
			name:       "no match",
			query:      "pension contributions",
			wantTitles: []string{},
			wantIntent: DefaultIntent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewCorpusSupplier(path, WithTopK(tt.topK))
			require.NoError(t, err)
			defer s.Close()

			rc, err := s.GetContext(context.Background(), tt.query)
			require.NoError(t, err)

			titles := make([]string, 0, len(rc.Snippets))
			for _, sn := range rc.Snippets {
				titles = append(titles, sn.Title)
			}
			assert.Equal(t, tt.wantTitles, titles)
			assert.Equal(t, tt.wantIntent, rc.Intent)
			assert.Equal(t, FormatBlob(rc.Snippets), rc.Blob)
		})
	}
}

func TestFormatBlob(t *testing.T) {
	s, err := NewCorpusSupplier(writeCorpus(t, t.TempDir(), labourCorpus), WithTopK(1))
	require.NoError(t, err)

	rc, err := s.GetContext(context.Background(), "leave entitlement")
	require.NoError(t, err)
	assert.Equal(t,
		"### Law No. 13/2003 on Manpower, Article 79\n"+
			"Workers who have completed twelve months of continuous service are\n"+
			"entitled to annual leave of at least twelve working days.",
		rc.Blob)
	assert.Empty(t, FormatBlob(nil))
}

func TestCorpusSupplier_CanceledContext(t *testing.T) {
	s, err := NewCorpusSupplier(writeCorpus(t, t.TempDir(), labourCorpus))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.GetContext(ctx, "leave")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseCorpus(t *testing.T) {
	c, err := ParseCorpus([]byte("documents:\n  - title: Untitled id\n    content: x\n"))
	require.NoError(t, err)
	assert.Equal(t, "doc-000", c.Documents[0].ID)

	empty, err := ParseCorpus(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Documents)

	_, err = ParseCorpus([]byte("documents:\n  - title: a\n    body: x\n"))
	assert.ErrorContains(t, err, "field body not found")

	_, err = ParseCorpus([]byte("documents:\n  - content: x\n"))
	assert.ErrorContains(t, err, "title is required")
}

func TestCorpusSupplier_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeCorpus(t, dir, labourCorpus)
	s, err := NewCorpusSupplier(path)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	// A broken file keeps the previous corpus in service.
	writeCorpus(t, dir, "documents: [")
	require.Error(t, s.Reload())
	assert.Equal(t, 3, s.Len())

	writeCorpus(t, dir, "documents:\n  - title: Only one\n    content: leave\n")
	require.NoError(t, s.Reload())
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Reload(), ErrClosed)
}

func TestCorpusSupplier_MissingFile(t *testing.T) {
	_, err := NewCorpusSupplier(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCorpusSupplier_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeCorpus(t, dir, labourCorpus)
	s, err := NewCorpusSupplier(path, WithWatch(20*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 3, s.Len())

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	writeCorpus(t, dir, "documents:\n  - title: Replacement\n    content: leave\n")
	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	rc, err := s.GetContext(context.Background(), "leave")
	require.NoError(t, err)
	require.Len(t, rc.Snippets, 1)
	assert.Equal(t, "Replacement", rc.Snippets[0].Title)
}

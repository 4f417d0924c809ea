package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/task"
)

type fakeDoc struct {
	pages  []string
	broken map[int]bool
	opened []int
}

func (d *fakeDoc) NumPage() int { return len(d.pages) }
func (d *fakeDoc) Close() error { return nil }
func (d *fakeDoc) Page(i int) (Page, error) {
	d.opened = append(d.opened, i)
	if d.broken[i] {
		return nil, errors.New("bad page object")
	}
	return &fitzPage{text: d.pages[i]}, nil
}

type fakeOpener struct {
	doc *fakeDoc
	err error
}

func (o fakeOpener) Open(string) (Doc, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.doc, nil
}

func pagesOf(n int, text string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = text
	}
	return out
}

func TestClassifyText(t *testing.T) {
	doc := &fakeDoc{pages: pagesOf(4, strings.Repeat("word ", 20))}
	c := New(Options{Opener: fakeOpener{doc: doc}})

	res, err := c.Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, task.PDFText, res.PDFType)
	assert.Equal(t, 4, res.PageCount)
	assert.Equal(t, 1.0, res.Diagnostics.Coverage)
}

func TestClassifyScanned(t *testing.T) {
	pages := pagesOf(4, "  \n ")
	pages[0] = strings.Repeat("x", 60)
	doc := &fakeDoc{pages: pages}
	c := New(Options{Opener: fakeOpener{doc: doc}})

	res, err := c.Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, task.PDFScanned, res.PDFType)
	assert.Equal(t, 1, res.Diagnostics.CoveredPages)
}

func TestWhitespaceDoesNotCount(t *testing.T) {
	doc := &fakeDoc{pages: []string{strings.Repeat("a \n\t", 49)}}
	res, err := New(Options{Opener: fakeOpener{doc: doc}}).Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, task.PDFScanned, res.PDFType)
	assert.Equal(t, 49, res.Diagnostics.Probes[0].CharCount)
}

func TestBrokenPagesAreRecorded(t *testing.T) {
	doc := &fakeDoc{pages: pagesOf(2, strings.Repeat("z", 80)), broken: map[int]bool{1: true}}
	res, err := New(Options{Opener: fakeOpener{doc: doc}}).Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, task.PDFText, res.PDFType)
	assert.NotEmpty(t, res.Diagnostics.Probes[1].Err)
}

func TestUnreadable(t *testing.T) {
	c := New(Options{Opener: fakeOpener{err: errors.New("needs password")}})
	_, err := c.Classify(context.Background(), "x.pdf")
	assert.ErrorIs(t, err, task.ErrUnreadablePDF)

	c = New(Options{Opener: fakeOpener{doc: &fakeDoc{}}})
	_, err = c.Classify(context.Background(), "x.pdf")
	assert.ErrorIs(t, err, task.ErrUnreadablePDF)
}

func TestLargeDocumentsAreSampled(t *testing.T) {
	doc := &fakeDoc{pages: pagesOf(100, strings.Repeat("y", 100))}
	res, err := New(Options{Opener: fakeOpener{doc: doc}}).Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Len(t, doc.opened, 45)
	assert.Equal(t, 100, res.PageCount)
}

func TestSampleIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, sampleIndices(3))
	assert.Len(t, sampleIndices(50), 50)

	idx := sampleIndices(100)
	require.Len(t, idx, 45)
	assert.Equal(t, 0, idx[0])
	assert.Equal(t, 43, idx[15])
	assert.Equal(t, 99, idx[44])
	for i := 1; i < len(idx); i++ {
		assert.Less(t, idx[i-1], idx[i])
	}
}

func TestPageCounterMismatchIsOnlyLogged(t *testing.T) {
	doc := &fakeDoc{pages: pagesOf(2, strings.Repeat("q", 60))}
	c := New(Options{Opener: fakeOpener{doc: doc}, PageCounter: func(string) (int, error) { return 3, nil }})
	res, err := c.Classify(context.Background(), "x.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageCount)
}

package paragraph

import (
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/ocr"
)

func ln(text string, x, y, w, h int) ocr.Line {
	return ocr.Line{Text: text, Box: image.Rect(x, y, x+w, y+h), Confidence: 0.9}
}

func page(idx int, lines ...ocr.Line) PageLines {
	return PageLines{Index: idx, Result: ocr.Result{Lines: lines, Width: 1000, Height: 1000}}
}

func TestMergeLinesJoinsOverlappingBoxes(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("world", 300, 402, 100, 20),
		ln("hello", 100, 400, 100, 20),
		ln("next", 100, 425, 100, 20),
	)}, Options{})
	require.Len(t, res, 1)
	assert.Equal(t, []string{"hello world next"}, res[0].Paragraphs)
}

func TestSplitOnGap(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("first para line one", 100, 200, 500, 20),
		ln("first para line two", 100, 224, 500, 20),
		ln("second para", 100, 300, 500, 20),
	)}, Options{})
	assert.Equal(t, []string{"first para line one first para line two", "second para"}, res[0].Paragraphs)
}

func TestSplitOnIndentShift(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("Indented opening", 150, 200, 500, 20),
		ln("body continues", 100, 224, 500, 20),
		ln("body ends.", 100, 248, 500, 20),
		ln("Another opening", 150, 272, 500, 20),
		ln("more body", 100, 296, 500, 20),
	)}, Options{})
	assert.Equal(t, []string{
		"Indented opening body continues body ends.",
		"Another opening more body",
	}, res[0].Paragraphs)
}

func TestSplitOnHangingIndent(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("Smith J. A study of things that", 100, 200, 500, 20),
		ln("continues here on the next line", 160, 224, 440, 20),
		ln("Jones K. Another reference entry", 100, 248, 500, 20),
		ln("with its own continuation line", 160, 272, 440, 20),
	)}, Options{})
	assert.Equal(t, []string{
		"Smith J. A study of things that continues here on the next line",
		"Jones K. Another reference entry with its own continuation line",
	}, res[0].Paragraphs)
}

func TestIndentBreak(t *testing.T) {
	const tol = 20
	assert.False(t, indentBreak(0, 5, 3, tol), "jitter")
	assert.True(t, indentBreak(0, 50, 2, tol), "shift after a stable run")
	assert.False(t, indentBreak(0, -50, 1, tol), "second line of an indented opening")
	assert.True(t, indentBreak(60, -60, 2, tol), "reversal")
	assert.True(t, indentBreak(-50, 50, 2, tol), "reversal the other way")
	assert.False(t, indentBreak(60, 40, 2, tol), "same direction")
}

func TestSplitOnListItems(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("Steps:", 100, 200, 500, 20),
		ln("1. open the box", 100, 224, 500, 20),
		ln("2. read the manual", 100, 248, 500, 20),
		ln("- a bullet", 100, 272, 500, 20),
		ln("(a) lettered", 100, 296, 500, 20),
	)}, Options{})
	assert.Equal(t, []string{"Steps:", "1. open the box", "2. read the manual", "- a bullet", "(a) lettered"}, res[0].Paragraphs)
}

func TestHyphenatedWordsAreRejoined(t *testing.T) {
	res := Reconstruct([]PageLines{page(0,
		ln("recog-", 100, 200, 500, 20),
		ln("nition works", 100, 224, 500, 20),
	)}, Options{})
	assert.Equal(t, []string{"recognition works"}, res[0].Paragraphs)
}

func TestBoilerplateOnNineOfTenPages(t *testing.T) {
	var pages []PageLines
	for i := 0; i < 10; i++ {
		body := ln(fmt.Sprintf("Body text of page %d.", i+1), 100, 400, 600, 20)
		if i == 9 {
			pages = append(pages, page(i, body))
			continue
		}
		pages = append(pages, page(i,
			ln(fmt.Sprintf("ACME Quarterly  Report - Page %d", i+1), 100, 20, 600, 20),
			body,
			ln("Confidential", 100, 960, 200, 20),
		))
	}
	res := Reconstruct(pages, Options{})
	require.Len(t, res, 10)
	for i := 0; i < 9; i++ {
		assert.Len(t, res[i].Suppressed, 2, "page %d", i)
		assert.Equal(t, []string{fmt.Sprintf("Body text of page %d.", i+1)}, res[i].Paragraphs)
	}
	assert.Empty(t, res[9].Suppressed)
}

func TestBoilerplateNeedsMinRepeats(t *testing.T) {
	pages := []PageLines{
		page(0, ln("Header", 100, 10, 200, 20), ln("one", 100, 400, 200, 20)),
		page(1, ln("Header", 100, 10, 200, 20), ln("two", 100, 400, 200, 20)),
	}
	res := Reconstruct(pages, Options{})
	assert.Empty(t, res[0].Suppressed)
	assert.Equal(t, []string{"Header", "one"}, res[0].Paragraphs)
}

func TestRepeatedBodyLinesAreKept(t *testing.T) {
	var pages []PageLines
	for i := 0; i < 4; i++ {
		pages = append(pages, page(i, ln("Summary", 100, 500, 200, 20)))
	}
	for _, r := range Reconstruct(pages, Options{}) {
		assert.Empty(t, r.Suppressed)
		assert.Equal(t, []string{"Summary"}, r.Paragraphs)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "page # of #", normalize("  Page 3   of 120 "))
	assert.Equal(t, normalize("PAGE 7"), normalize("page 12"))
}

func TestEmptyPage(t *testing.T) {
	res := Reconstruct([]PageLines{page(4)}, Options{})
	assert.Equal(t, 4, res[0].Index)
	assert.Empty(t, res[0].Paragraphs)
}

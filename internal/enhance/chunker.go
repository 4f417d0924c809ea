package enhance

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/local/pdfocr/internal/task"
)

// DefaultMaxChunkChars bounds the text sent in one request.
const DefaultMaxChunkChars = 2000

const paragraphSep = "\n\n"

// Split cuts the OK pages into chunks of at most max runes. Chunks never
// span pages; paragraphs are packed whole and oversized ones are cut at
// sentence ends, then at whitespace, then mid-word. Joining a page's chunks
// with their Sep gives back the page text.
func Split(pages []task.Page, max int) []Chunk {
	if max <= 0 {
		max = DefaultMaxChunkChars
	}
	var out []Chunk
	for _, p := range pages {
		if !p.OK() {
			continue
		}
		for i, pc := range packPage(paragraphsOf(p), max) {
			c := Chunk{Index: len(out), PageIndex: p.Index, Original: pc.text}
			if i > 0 {
				c.Sep = pc.sep
			}
			out = append(out, c)
		}
	}
	return out
}

func paragraphsOf(p task.Page) []string {
	src := p.Paragraphs
	if len(src) == 0 {
		src = strings.Split(p.RawText, paragraphSep)
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runes(s string) int { return utf8.RuneCountInString(s) }

// piece is a span of text and the separator that preceded it.
type piece struct {
	text string
	sep  string
}

func packPage(paras []string, max int) []piece {
	var (
		out    []piece
		cur    strings.Builder
		curSep string
		n      int
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, piece{text: cur.String(), sep: curSep})
			cur.Reset()
			n = 0
		}
	}
	for _, para := range paras {
		pieces := []piece{{text: para}}
		if runes(para) > max {
			pieces = splitLong(para, max)
		}
		pieces[0].sep = paragraphSep
		for _, pc := range pieces {
			if cur.Len() > 0 && n+runes(pc.sep)+runes(pc.text) > max {
				flush()
			}
			if cur.Len() == 0 {
				curSep = pc.sep
			} else {
				cur.WriteString(pc.sep)
				n += runes(pc.sep)
			}
			cur.WriteString(pc.text)
			n += runes(pc.text)
		}
	}
	flush()
	return out
}

// splitLong cuts para into pieces of at most max runes. The whitespace
// between two pieces becomes the sep of the second, so the pieces rejoin
// to para byte for byte.
func splitLong(para string, max int) []piece {
	rs := []rune(para)
	var out []piece
	sep := ""
	for start := 0; start < len(rs); {
		end := len(rs)
		if end-start > max {
			end = start + cutPoint(rs[start:], max)
		}
		out = append(out, piece{text: string(rs[start:end]), sep: sep})
		next := end
		for next < len(rs) && unicode.IsSpace(rs[next]) {
			next++
		}
		sep = string(rs[end:next])
		start = next
	}
	return out
}

// cutPoint returns the length of the first piece of rs, which is longer
// than max: up to the last sentence end that fits, else the last word
// end, else max.
func cutPoint(rs []rune, max int) int {
	for i := max; i > 0; i-- {
		if sentenceEnd(rs, i-1) {
			return i
		}
	}
	for i := max; i > 0; i-- {
		if unicode.IsSpace(rs[i]) && !unicode.IsSpace(rs[i-1]) {
			return i
		}
	}
	return max
}

// sentenceEnd reports whether rs[i] closes a sentence: . ! ? before
// whitespace, or a full-width stop.
func sentenceEnd(rs []rune, i int) bool {
	switch rs[i] {
	case '。', '！', '？':
		return true
	case '.', '!', '?':
		return i+1 < len(rs) && unicode.IsSpace(rs[i+1])
	}
	return false
}

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	docx "baliance.com/gooxml/document"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/storage"
	"github.com/local/pdfocr/internal/task"
)

type fakeEnhanced struct {
	mu    sync.Mutex
	pages map[string][]enhance.PageText
}

func (f *fakeEnhanced) set(id string, pages ...enhance.PageText) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[id] = pages
}

func (f *fakeEnhanced) PageTexts(id string) ([]enhance.PageText, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	return p, ok
}

type fixture struct {
	reg *task.MemoryRegistry
	ws  *storage.Workspace
	enh *fakeEnhanced
	gen *Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		reg: task.NewMemoryRegistry(task.MemoryOptions{}),
		ws:  ws,
		enh: &fakeEnhanced{pages: map[string][]enhance.PageText{}},
	}
	clock := time.Date(2024, 3, 9, 8, 7, 6, 5_000_000, time.UTC)
	f.gen = New(Options{Registry: f.reg, Enhanced: f.enh, Workspace: ws, Now: func() time.Time { return clock }})
	return f
}

// completed registers a finished task with the given pages, optionally
// backed by a source document in the workspace.
func (f *fixture) completed(t *testing.T, pdf []byte, pages ...task.Page) string {
	t.Helper()
	id := uuid.NewString()
	tk := task.Task{ID: id, Filename: "doc.pdf", Status: task.StatusCompleted, Pages: pages, CreatedAt: time.Now()}
	if pdf != nil {
		_, err := f.ws.SaveUpload(id, bytes.NewReader(pdf), 0)
		require.NoError(t, err)
		tk.SourcePath = f.ws.SourcePath(id)
	}
	require.NoError(t, f.reg.Restore(context.Background(), tk))
	return id
}

func ok(i int, paras ...string) task.Page {
	return task.Page{Index: i, Outcome: task.OutcomeOK, Source: task.SourceOCR, Paragraphs: paras}
}

func read(t *testing.T, g *Generator, name string) string {
	t.Helper()
	f, err := g.Open(name)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b)
}

func TestExportTXT(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "first para", "second para"), task.FailedPage(1, "boom"), ok(2, "third"))

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatTXT, IncludePageNumbers: true, Title: "Report"})
	require.NoError(t, err)
	assert.Equal(t, id+"_original_20240309T080706.005.txt", art.Filename)
	assert.Equal(t, SourceOriginal, art.Source)
	assert.Equal(t, "Report\n\nfirst para\n\nsecond para\n\n--- Page 3 ---\n\nthird\n", read(t, f.gen, art.Filename))
}

func TestExportMarkdownPrefersEnhanced(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "raw one"), ok(1, "raw two"))

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatMD, Title: "T", IncludePageNumbers: true})
	require.NoError(t, err)
	assert.Equal(t, SourceOriginal, art.Source)
	assert.Equal(t, "# T\n\n## Page 1\n\nraw one\n\n## Page 2\n\nraw two\n\n", read(t, f.gen, art.Filename))

	f.enh.set(id, enhance.PageText{PageIndex: 0, Text: "**one**"}, enhance.PageText{PageIndex: 1, Text: "- two"})
	art2, err := f.gen.Export(context.Background(), id, Request{Format: FormatMD, Source: SourceOriginal})
	require.NoError(t, err)
	assert.Equal(t, SourceEnhanced, art2.Source)
	assert.Equal(t, "**one**\n\n- two\n\n", read(t, f.gen, art2.Filename))
	assert.NotEqual(t, art.Filename, art2.Filename)
}

func TestExportSnapshotIsolation(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "ocr text"))

	before, err := f.gen.Export(context.Background(), id, Request{Format: FormatTXT, Source: SourceEnhanced})
	require.NoError(t, err)
	assert.Equal(t, SourceOriginal, before.Source, "no enhancement yet")
	content := read(t, f.gen, before.Filename)

	f.enh.set(id, enhance.PageText{PageIndex: 0, Text: "Enhanced text"})
	after, err := f.gen.Export(context.Background(), id, Request{Format: FormatTXT, Source: SourceEnhanced})
	require.NoError(t, err)
	assert.Equal(t, SourceEnhanced, after.Source)
	assert.Equal(t, "Enhanced text\n", read(t, f.gen, after.Filename))

	assert.Equal(t, content, read(t, f.gen, before.Filename))
	assert.Equal(t, []string{before.Filename, after.Filename}, f.ws.Exports(id))
}

func TestExportOriginalIgnoresEnhancement(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "ocr text"))
	f.enh.set(id, enhance.PageText{PageIndex: 0, Text: "Enhanced"})

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatTXT, Source: SourceOriginal})
	require.NoError(t, err)
	assert.Equal(t, "ocr text\n", read(t, f.gen, art.Filename))
}

func TestExportDOCX(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "x"))
	f.enh.set(id, enhance.PageText{PageIndex: 0, Text: "# Heading\n\nSome **bold** & *soft* text.\n\n1. first\n2. second\n"})

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatDOCX, Source: SourceEnhanced, Title: "Doc", IncludePageNumbers: true})
	require.NoError(t, err)

	body := read(t, f.gen, art.Filename)
	doc, err := docx.Read(strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	type para struct{ style, text string }
	var paras []para
	var boldRuns []string
	for _, p := range doc.Paragraphs() {
		var b strings.Builder
		for _, r := range p.Runs() {
			b.WriteString(r.Text())
			if r.Properties().IsBold() {
				boldRuns = append(boldRuns, r.Text())
			}
		}
		paras = append(paras, para{style: p.Style(), text: b.String()})
	}
	require.NotEmpty(t, paras)
	assert.Equal(t, para{"Title", "Doc"}, paras[0])
	assert.Contains(t, paras, para{"Heading2", "Page 1"})
	assert.Contains(t, paras, para{"Heading1", "Heading"})
	assert.Contains(t, paras, para{"", "Some bold & soft text."})
	assert.Contains(t, paras, para{"ListParagraph", "1. first"})
	assert.Contains(t, paras, para{"ListParagraph", "2. second"})
	assert.Equal(t, []string{"bold"}, boldRuns)
}

func TestExportPDFStampsText(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, minimalPDF(2), ok(0, "hello page one"), ok(1, "hello page two"))

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatPDF})
	require.NoError(t, err)

	p, err := f.ws.ExportPath(art.Filename)
	require.NoError(t, err)
	n, err := api.PageCountFile(p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Greater(t, art.Size, int64(len(minimalPDF(2))))
}

func TestExportPDFWithoutSourceFails(t *testing.T) {
	f := newFixture(t)
	id := f.completed(t, nil, ok(0, "text"))
	_, err := f.gen.Export(context.Background(), id, Request{Format: FormatPDF})
	assert.Error(t, err)
	assert.Empty(t, f.ws.Exports(id))
}

func TestExportPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gen.Export(ctx, "missing", Request{Format: FormatTXT})
	assert.ErrorIs(t, err, task.ErrNotFound)

	id, err := f.reg.Create(ctx, task.FileMeta{Filename: "a.pdf"})
	require.NoError(t, err)
	_, err = f.gen.Export(ctx, id, Request{Format: FormatTXT})
	assert.ErrorIs(t, err, task.ErrNotCompleted)

	_, err = f.gen.Export(ctx, id, Request{Format: "rtf"})
	assert.ErrorIs(t, err, task.ErrValidation)
	_, err = f.gen.Export(ctx, id, Request{Format: FormatTXT, Source: "both"})
	assert.ErrorIs(t, err, task.ErrValidation)
}

type recordingMirror struct{ keys []string }

func (m *recordingMirror) Put(_ context.Context, taskID, name, _ string, data []byte) (string, error) {
	m.keys = append(m.keys, taskID+"/"+name+":"+string(data))
	return "s3://bucket/" + taskID + "/" + name, nil
}

func TestExportMirrors(t *testing.T) {
	f := newFixture(t)
	m := &recordingMirror{}
	f.gen.mirror = m
	id := f.completed(t, nil, ok(0, "mirrored"))

	art, err := f.gen.Export(context.Background(), id, Request{Format: FormatTXT})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/"+id+"/"+art.Filename, art.Mirror)
	assert.Equal(t, []string{id + "/" + art.Filename + ":mirrored\n"}, m.keys)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentType("a_original_x.pdf"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}

// minimalPDF builds a valid document of blank letter-size pages.
func minimalPDF(pages int) []byte {
	var b bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	b.WriteString("%PDF-1.4\n")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

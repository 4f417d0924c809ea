package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/local/pdfocr/internal/storage"
)

// stampDesc places the page text as a fully transparent layer over the
// page, which keeps it selectable and searchable.
const stampDesc = "font:Helvetica, points:6, pos:tl, scale:1 abs, rot:0, op:0"

// writePDF copies the source document and stamps each page with its
// recognized text. The source must be readable by pdfcpu.
func writePDF(w io.Writer, doc document) error {
	if doc.SourcePDF == "" {
		return errors.New("task has no source document")
	}
	tmp, err := os.CreateTemp(filepath.Dir(doc.SourcePDF), storage.TempPrefix+"stamp-*.pdf")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src, err := os.Open(doc.SourcePDF)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("open source: %w", err)
	}
	_, err = io.Copy(tmp, src)
	src.Close()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	for _, p := range doc.Pages {
		txt := stampText(p.Text)
		if txt == "" {
			continue
		}
		if err := api.AddTextWatermarksFile(tmpPath, "", []string{strconv.Itoa(p.Number)}, true, txt, stampDesc, nil); err != nil {
			return fmt.Errorf("stamp page %d: %w", p.Number, err)
		}
	}

	out, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(w, out)
	return err
}

// stampText collapses blank lines; pdfcpu lays out one text line per "\n".
func stampText(s string) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

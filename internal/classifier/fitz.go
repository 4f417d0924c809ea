package classifier

import (
	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// FitzOpener implements Opener using go-fitz (MuPDF).
type FitzOpener struct{}

var defaultOpener Opener = FitzOpener{}

func (FitzOpener) Open(path string) (Doc, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return fitzDoc{doc}, nil
}

type fitzDoc struct{ *fitz.Document }

func (d fitzDoc) Page(i int) (Page, error) {
	text, err := d.Document.Text(i)
	if err != nil {
		return nil, err
	}
	return &fitzPage{text: text}, nil
}

type fitzPage struct {
	text string
}

func (p *fitzPage) Text() (string, error) { return p.text, nil }
func (p *fitzPage) Close()                {}

// PdfcpuPageCount counts pages with pdfcpu, independent of MuPDF.
func PdfcpuPageCount(path string) (int, error) { return api.PageCountFile(path) }

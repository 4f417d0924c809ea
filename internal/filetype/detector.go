package filetype

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/task"
)

const (
	PDFMime = "application/pdf"
	// sniffLen is how much of a stream is inspected.
	sniffLen = 3072
)

var pdfMagic = []byte("%PDF")

// Info contains detected file type information.
type Info struct {
	MIMEType  string
	Extension string
	IsPDF     bool
}

// Detect sniffs magic bytes; the file name plays no part.
func Detect(head []byte) Info {
	mtype := mimetype.Detect(head)
	info := Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	info.IsPDF = mtype.Is(PDFMime) && bytes.HasPrefix(head, pdfMagic)
	return info
}

// DetectFile sniffs the file at path.
func DetectFile(path string) (Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to detect file type: %w", err)
	}
	return Info{MIMEType: mtype.String(), Extension: mtype.Extension(), IsPDF: mtype.Is(PDFMime)}, nil
}

// RequirePDF peeks at r and fails with a validation error unless the
// stream starts with %PDF and sniffs as a PDF. The returned reader yields
// the whole stream, peeked bytes included.
func RequirePDF(r io.Reader, filename string) (io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, task.Invalid("file", "empty upload")
	}
	info := Detect(head)
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", filename).Msg("detected file type")
	if !info.IsPDF {
		return nil, task.Invalid("file", "not a PDF (detected %s)", info.MIMEType)
	}
	return br, nil
}

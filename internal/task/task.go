package task

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusParsing    Status = "parsing"
	StatusReady      Status = "ready"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// forward lists the legal next states for each status. Any non-terminal
// state may move to failed.
var forward = map[Status][]Status{
	StatusUploaded:   {StatusParsing, StatusFailed},
	StatusParsing:    {StatusReady, StatusFailed},
	StatusReady:      {StatusPending, StatusFailed},
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// PDFType is the classifier's verdict.
type PDFType string

const (
	PDFText    PDFType = "text"
	PDFScanned PDFType = "scanned"
)

// Outcome tags a page result.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// PageSource records where a page's text came from.
type PageSource string

const (
	SourceOCR       PageSource = "ocr"
	SourceTextLayer PageSource = "text_layer"
)

// Page is one recognized page. Pages are never modified after they are
// appended to a task.
type Page struct {
	Index           int        `json:"index"`
	Outcome         Outcome    `json:"outcome"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Source          PageSource `json:"source,omitempty"`
	RawText         string     `json:"raw_text"`
	Paragraphs      []string   `json:"paragraphs"`
	SuppressedLines []string   `json:"suppressed_lines,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
}

// OK reports whether the page was recognized.
func (p Page) OK() bool { return p.Outcome == OutcomeOK }

// Text returns the paragraphs joined by blank lines, or the raw text when
// no paragraphs were reconstructed.
func (p Page) Text() string {
	if len(p.Paragraphs) == 0 {
		return p.RawText
	}
	out := ""
	for i, para := range p.Paragraphs {
		if i > 0 {
			out += "\n\n"
		}
		out += para
	}
	return out
}

// OKPage builds a successful page result.
func OKPage(index int, source PageSource, raw string, confidence float64) Page {
	return Page{Index: index, Outcome: OutcomeOK, Source: source, RawText: raw, Confidence: confidence}
}

// FailedPage builds a failed page result carrying the reason.
func FailedPage(index int, reason string) Page {
	return Page{Index: index, Outcome: OutcomeFailed, FailureReason: reason}
}

// RecognitionOptions is the configuration of one recognition run. It is
// copied into the task when the run starts.
type RecognitionOptions struct {
	Preprocess   bool   `json:"preprocess"`
	Denoise      bool   `json:"denoise"`
	Binarize     bool   `json:"binarize"`
	Deskew       bool   `json:"deskew"`
	DPI          int    `json:"dpi"`
	Pages        []int  `json:"pages,omitempty"`
	IgnoreTop    int    `json:"ignore_top"`
	IgnoreBottom int    `json:"ignore_bottom"`
	IgnoreLeft   int    `json:"ignore_left"`
	IgnoreRight  int    `json:"ignore_right"`
	ForceOCR     bool   `json:"force_ocr"`
	Language     string `json:"language,omitempty"`
}

// Clone returns a copy that shares no slices with o.
func (o RecognitionOptions) Clone() RecognitionOptions {
	c := o
	if o.Pages != nil {
		c.Pages = append([]int(nil), o.Pages...)
	}
	return c
}

// FileMeta describes an ingested upload.
type FileMeta struct {
	// ID is used as the task id when set; otherwise one is generated.
	ID         string
	Filename   string
	Size       int64
	FileHash   string
	SourcePath string
}

// Task is a document's processing record. Values handed out by a Registry
// are snapshots; changing them has no effect on the registry.
type Task struct {
	ID          string              `json:"task_id"`
	Filename    string              `json:"filename"`
	Size        int64               `json:"size"`
	FileHash    string              `json:"file_hash,omitempty"`
	SourcePath  string              `json:"source_path,omitempty"`
	Status      Status              `json:"status"`
	PDFType     PDFType             `json:"pdf_type,omitempty"`
	PageCount   int                 `json:"page_count"`
	Progress    int                 `json:"progress"`
	CurrentPage int                 `json:"current_page"`
	TotalPages  int                 `json:"total_pages"`
	Options     *RecognitionOptions `json:"options,omitempty"`
	Pages       []Page              `json:"pages,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// HasResult reports whether the task carries any page output.
func (t Task) HasResult() bool { return len(t.Pages) > 0 }

// Clone deep-copies the task.
func (t Task) Clone() Task {
	c := t
	if t.Options != nil {
		o := t.Options.Clone()
		c.Options = &o
	}
	if t.Pages != nil {
		c.Pages = make([]Page, len(t.Pages))
		for i, p := range t.Pages {
			c.Pages[i] = clonePage(p)
		}
	}
	return c
}

func clonePage(p Page) Page {
	c := p
	if p.Paragraphs != nil {
		c.Paragraphs = append([]string(nil), p.Paragraphs...)
	}
	if p.SuppressedLines != nil {
		c.SuppressedLines = append([]string(nil), p.SuppressedLines...)
	}
	return c
}

// Payload carries the fields written atomically with a transition. Nil
// fields are left untouched.
type Payload struct {
	PDFType    *PDFType
	PageCount  *int
	Options    *RecognitionOptions
	TotalPages *int
	Pages      []Page
	Error      string
}

// Progress is one page's worth of progress reported by a recognition run.
type Progress struct {
	Page Page
	Done int
}

// Percent computes round(100*done/total), clamped to [0,100].
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := (200*done + total) / (2 * total)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

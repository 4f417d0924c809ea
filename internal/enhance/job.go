package enhance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/local/pdfocr/internal/task"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Chunk is one unit of text sent to the provider. A failed chunk keeps its
// original text as Formatted.
type Chunk struct {
	Index     int `json:"index"`
	PageIndex int `json:"page_index"`
	// Sep is the text between this chunk and the previous one on the same
	// page: a paragraph break, the whitespace of a sentence cut, or nothing
	// after a cut inside a word.
	Sep       string `json:"sep,omitempty"`
	Original  string `json:"original"`
	Formatted string `json:"formatted"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Job is the enhancement state of one task.
type Job struct {
	TaskID          string     `json:"task_id"`
	Status          Status     `json:"status"`
	ChunksTotal     int        `json:"chunks_total"`
	ChunksProcessed int        `json:"chunks_processed"`
	Chunks          []Chunk    `json:"chunks,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	Model           string     `json:"model,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`

	// run tells apart successive jobs of the same task.
	run uint64
}

func (j Job) clone() Job {
	c := j
	c.Chunks = append([]Chunk(nil), j.Chunks...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// PageText is the enhanced text of one page.
type PageText struct {
	PageIndex int
	Text      string
}

// Pages assembles formatted chunks per page in page order.
func (j Job) Pages() []PageText {
	chunks := append([]Chunk(nil), j.Chunks...)
	sort.SliceStable(chunks, func(a, b int) bool { return chunks[a].Index < chunks[b].Index })
	var out []PageText
	for _, c := range chunks {
		if n := len(out); n > 0 && out[n-1].PageIndex == c.PageIndex {
			out[n-1].Text += c.Sep + c.Formatted
			continue
		}
		out = append(out, PageText{PageIndex: c.PageIndex, Text: c.Formatted})
	}
	return out
}

// Text joins all pages with blank lines.
func (j Job) Text() string {
	pages := j.Pages()
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}

// Store keeps one job per task, separate from the task registry, plus the
// newest completed job while a rerun is in progress.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	last map[string]Job
	runs uint64
	obs  func(Job)
}

func NewStore(observer func(Job)) *Store {
	return &Store{jobs: map[string]*Job{}, last: map[string]Job{}, obs: observer}
}

// begin installs a processing job unless one is already running and
// returns its run number.
func (s *Store) begin(j Job) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[j.TaskID]; ok && cur.Status == StatusProcessing {
		return 0, fmt.Errorf("%w: enhancement of %s", task.ErrAlreadyProcessing, j.TaskID)
	}
	s.runs++
	j.run = s.runs
	c := j.clone()
	s.jobs[j.TaskID] = &c
	s.notify(c)
	return c.run, nil
}

// restore installs a finished job without notifying the observer.
func (s *Store) restore(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[j.TaskID]; ok && cur.Status == StatusProcessing {
		return
	}
	s.runs++
	j.run = s.runs
	c := j.clone()
	s.jobs[j.TaskID] = &c
	if c.Status == StatusCompleted {
		s.last[j.TaskID] = c.clone()
	}
}

// update applies fn to the job of the given run while it is processing.
// Finished jobs and jobs replaced by a later run are left alone.
func (s *Store) update(taskID string, run uint64, fn func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok || j.run != run || j.Status != StatusProcessing {
		return Job{}, false
	}
	fn(j)
	if j.Status == StatusCompleted {
		s.last[taskID] = j.clone()
	}
	s.notify(*j)
	return j.clone(), true
}

func (s *Store) notify(j Job) {
	if s.obs != nil {
		s.obs(j.clone())
	}
}

func (s *Store) Get(taskID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Completed returns the newest completed job of a task. During a rerun
// that is the previous one.
func (s *Store) Completed(taskID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[taskID]; ok && j.Status == StatusCompleted {
		return j.clone(), true
	}
	j, ok := s.last[taskID]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

func (s *Store) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, taskID)
	delete(s.last, taskID)
}

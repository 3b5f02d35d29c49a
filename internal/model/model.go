package model

import (
	"errors"
	"strings"
	"time"
)

type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobStart     JobState = "start"
	JobInfo      JobState = "info"
	JobDone      JobState = "done"
	JobError     JobState = "error"
)

// JobTypeProcessing is the only token type the pipeline creates.
const JobTypeProcessing = 1

var ErrNotFound = errors.New("not found")

// ParseJobState maps a worker-reported status string onto a known state.
func ParseJobState(raw string) (JobState, bool) {
	switch s := JobState(strings.TrimSpace(raw)); s {
	case JobSubmitted, JobStart, JobInfo, JobDone, JobError:
		return s, true
	default:
		return "", false
	}
}

// Terminal reports whether no further worker progress is expected.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// Template is a named job description: an .ini body on disk plus its
// catalog row.
//
// - Blocks is the ordered list of processing stages; a job's pending set is
//   seeded from it.
type Template struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Blocks      []string `json:"blocks"`
}

// TemplatePatch carries the catalog fields an administrator may edit.
type TemplatePatch struct {
	Name        string
	Description string
	Blocks      []string
}

// Dirs locates a job's working directory under the export root.
//
// - Prefix is the date partition, e.g. "/2024/03/05/".
// - Public may be shared (share links, reviewers); Private is the write
//   capability and must never be derivable from Public.
type Dirs struct {
	Prefix  string `json:"-"`
	Public  string `json:"publicHash"`
	Private string `json:"-"`
}

// PublicPath is the datadir value handed to templates for the public level.
func (d Dirs) PublicPath() string {
	return d.Prefix + d.Public + "/"
}

// PrivatePath is the datadir value handed to templates for the private level.
func (d Dirs) PrivatePath() string {
	return d.Prefix + d.Public + "/" + d.Private + "/"
}

// Job represents a token record in the job registry.
//
// - PendingBlocks is the ordered residual of the template's block list.
// - QueuedAt is nil while the pointer file has not been written; such rows are
//   orphans (attempted, never handed to the worker).
// - Version increments on every mutation and guards concurrent updates.
type Job struct {
	ID            string     `json:"id"`
	State         JobState   `json:"state"`
	Type          int        `json:"type"`
	TemplateID    int64      `json:"templateId"`
	VideoID       int64      `json:"videoId"`
	PublicHash    string     `json:"publicHash"`
	PrivateHash   string     `json:"-"`
	DatePrefix    string     `json:"-"`
	PendingBlocks []string   `json:"pendingBlocks"`
	CurrentBlock  string     `json:"currentBlock,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdate    *time.Time `json:"lastUpdate,omitempty"`
	QueuedAt      *time.Time `json:"queuedAt,omitempty"`
	Version       int64      `json:"-"`
}

// Dirs rebuilds the directory triple the job was allocated.
func (j Job) Dirs() Dirs {
	return Dirs{Prefix: j.DatePrefix, Public: j.PublicHash, Private: j.PrivateHash}
}

// Callback is one worker report as received on the callback endpoint.
type Callback struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Process    string    `json:"process,omitempty"`
	Block      string    `json:"block,omitempty"`
	HostIP     string    `json:"hostIp,omitempty"`
	HostName   string    `json:"hostName,omitempty"`
	SGEJobID   int64     `json:"sgeJobId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// CallbackEntry is a persisted Callback in a job's processing history.
type CallbackEntry struct {
	ID string `json:"id"`
	Callback
}

// Video is the subset of the lecture record the pipeline touches.
type Video struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Duration  *int64    `json:"duration,omitempty"`
	Complete  bool      `json:"complete"`
}

const FileTypeThumbnail = "thumbnail"

// File is a worker output linked to a video.
type File struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// IsVideo reports whether the file counts towards video completion.
func (f File) IsVideo() bool {
	return strings.HasPrefix(f.Type, "video/")
}

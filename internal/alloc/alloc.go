// Package alloc hands out job identifiers and the two-level random export
// directories a job works in.
package alloc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/example/lectures/pipeline-go/internal/blob"
	"github.com/example/lectures/pipeline-go/internal/model"
)

const (
	// IDTag marks identifiers minted by this submitter.
	IDTag = "sd"

	DirPerm = 0o770

	hashBytes   = 16
	suffixBytes = 4
	maxAttempts = 32
)

var ErrExhausted = errors.New("no free directory name after repeated attempts")

type Allocator struct {
	fs   blob.LocalFS
	rand io.Reader
	now  func() time.Time
	uid  int
}

type Option func(*Allocator)

// WithRand replaces crypto/rand as the entropy source.
func WithRand(r io.Reader) Option { return func(a *Allocator) { a.rand = r } }

func WithClock(now func() time.Time) Option { return func(a *Allocator) { a.now = now } }

// WithUID overrides the submitter uid embedded in job IDs.
func WithUID(uid int) Option { return func(a *Allocator) { a.uid = uid } }

// New returns an allocator creating directories below the export root fs.
func New(fs blob.LocalFS, opts ...Option) *Allocator {
	a := &Allocator{
		fs:   fs,
		rand: rand.Reader,
		now:  time.Now,
		uid:  os.Getuid(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.uid < 0 {
		a.uid = 0
	}
	return a
}

func (a *Allocator) randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(a.rand, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Allocate creates /YYYY/MM/DD/<public>/<private> below the export root and
// returns its parts with the allocation time. A directory that appears
// between the existence check and its creation aborts the allocation; it is
// never reused.
func (a *Allocator) Allocate() (model.Dirs, time.Time, error) {
	at := a.now()
	dirs := model.Dirs{Prefix: at.Format("/2006/01/02/")}

	if err := a.fs.MkdirAll(dirs.Prefix, DirPerm); err != nil {
		return model.Dirs{}, at, fmt.Errorf("create date prefix %s: %w", dirs.Prefix, err)
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxAttempts {
			return model.Dirs{}, at, ErrExhausted
		}
		hash, err := a.randomHex(hashBytes)
		if err != nil {
			return model.Dirs{}, at, err
		}
		if !a.fs.Exists(dirs.Prefix + hash) {
			dirs.Public = hash
			break
		}
	}

	private, err := a.randomHex(hashBytes)
	if err != nil {
		return model.Dirs{}, at, err
	}
	dirs.Private = private

	if err := a.fs.Mkdir(dirs.Prefix+dirs.Public, DirPerm); err != nil {
		return model.Dirs{}, at, fmt.Errorf("create public dir: %w", err)
	}
	if err := a.fs.Mkdir(dirs.PrivatePath(), DirPerm); err != nil {
		_ = a.fs.Remove(dirs.PublicPath())
		return model.Dirs{}, at, fmt.Errorf("create private dir: %w", err)
	}
	return dirs, at, nil
}

// Release removes the directories of an abandoned allocation. Only empty
// directories are removed, so worker output is never deleted.
func (a *Allocator) Release(d model.Dirs) error {
	if err := a.fs.Remove(d.PrivatePath()); err != nil {
		return err
	}
	return a.fs.Remove(d.PublicPath())
}

// IDPrefix is the deterministic part of a job ID:
// priority-date-time-millis-tag-uid-
func (a *Allocator) IDPrefix(priority int, at time.Time) string {
	if priority < 0 {
		priority = 0
	}
	return fmt.Sprintf("%02d-%s-%03d-%s-%06d-",
		priority,
		at.Format("20060102-150405"),
		at.Nanosecond()/int(time.Millisecond),
		IDTag,
		a.uid,
	)
}

// Suffix returns a fresh random tail for a job ID.
func (a *Allocator) Suffix() (string, error) {
	return a.randomHex(suffixBytes)
}

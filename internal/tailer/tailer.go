// Package tailer incrementally reads complete JSONL lines appended to
// transcript files, surviving partial writes, truncation, and rotation.
// Positions are checkpointable and resumable across restarts.
package tailer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// maxReadPerPoll caps how many bytes one ReadNew consumes so a single
// fast-growing file cannot starve the other tailed files in a poll cycle.
const maxReadPerPoll = 1 << 20

// backoffCapFactor caps the retry backoff at pollInterval * 16.
const backoffCapFactor = 16

// Identity names a file independently of its path.
type Identity struct {
	Device uint64
	Inode  uint64
}

// Position is a resumable checkpoint for one tailed file. Offset always
// points at the first unread byte past the last complete line; buffered
// partial-line bytes are never part of the checkpoint.
type Position struct {
	Path           string `json:"path"`
	Device         uint64 `json:"device"`
	Inode          uint64 `json:"inode"`
	Offset         int64  `json:"offset"`
	LastModifiedNS int64  `json:"last_modified_ns"`
}

// Tailer reads new complete lines from a single file. It is polled rather
// than self-driving: the owner calls ReadNew on its own schedule. Not safe
// for concurrent use.
type Tailer struct {
	path         string
	pollInterval time.Duration

	f        *os.File
	identity Identity
	offset   int64  // first unread byte past the last complete line
	partial  []byte // unterminated tail already read from the file
	lastMod  time.Time

	initialized bool
	resume      *Position
	startAtEnd  bool

	backoff   time.Duration
	retryAt   time.Time
	failSince time.Time
}

// New creates a tailer for path starting at offset 0. The poll interval
// only scales the retry backoff; the caller drives the actual polling.
func New(path string, pollInterval time.Duration) *Tailer {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Tailer{path: path, pollInterval: pollInterval}
}

// NewResuming creates a tailer that adopts pos if the file's (device,
// inode) identity still matches at first read. On mismatch it starts
// from offset 0.
func NewResuming(path string, pollInterval time.Duration, pos Position) *Tailer {
	t := New(path, pollInterval)
	t.resume = &pos
	return t
}

// SeekEnd makes the tailer start at the current end of file instead of
// offset 0. Effective only before the first ReadNew.
func (t *Tailer) SeekEnd() {
	t.startAtEnd = true
}

// Path returns the file path being tailed.
func (t *Tailer) Path() string { return t.path }

// Offset returns the checkpointed offset.
func (t *Tailer) Offset() int64 { return t.offset }

// HasPartial reports whether an unterminated line is buffered.
func (t *Tailer) HasPartial() bool { return len(t.partial) > 0 }

// FailingSince returns the time of the first I/O failure of the current
// error streak, or the zero time when healthy.
func (t *Tailer) FailingSince() time.Time { return t.failSince }

// Position returns the current resumable checkpoint.
func (t *Tailer) Position() Position {
	pos := Position{
		Path:   t.path,
		Device: t.identity.Device,
		Inode:  t.identity.Inode,
		Offset: t.offset,
	}
	if !t.lastMod.IsZero() {
		pos.LastModifiedNS = t.lastMod.UnixNano()
	}
	return pos
}

// Close releases the file handle. The tailer can be read again afterwards;
// the next ReadNew reopens.
func (t *Tailer) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// ReadNew returns the complete lines appended since the last call, without
// their newline terminators. Bytes after the last newline stay buffered
// until the line completes. With no growth it returns nothing. I/O errors
// set an exponential retry backoff; calls within the backoff window return
// immediately.
func (t *Tailer) ReadNew() ([][]byte, error) {
	now := time.Now()
	if !t.retryAt.IsZero() && now.Before(t.retryAt) {
		return nil, nil
	}

	fi, err := os.Stat(t.path)
	if err != nil {
		return nil, t.fail(err)
	}
	id := identityOf(fi)
	size := fi.Size()

	if !t.initialized {
		t.initialized = true
		t.identity = id
		if t.resume != nil && t.resume.Device == id.Device && t.resume.Inode == id.Inode {
			t.offset = t.resume.Offset
		} else if t.startAtEnd {
			t.offset = size
		}
		t.resume = nil
	} else if id != t.identity {
		// Replaced under the same name: read the new file from the top.
		t.rotate(id)
	}

	if size < t.offset {
		// Shrunk below the checkpoint: treat as rewritten.
		t.rotate(id)
	} else if size < t.offset+int64(len(t.partial)) {
		// Shrunk into the buffered partial line: the unterminated tail was
		// rewritten in place. Drop the buffer and re-read from the checkpoint.
		t.partial = t.partial[:0]
	}

	t.lastMod = fi.ModTime()

	readPos := t.offset + int64(len(t.partial))
	if size == readPos {
		t.healthy()
		return nil, nil
	}

	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return nil, t.fail(err)
		}
		t.f = f
	}

	chunk := size - readPos
	if chunk > maxReadPerPoll {
		chunk = maxReadPerPoll
	}
	buf := make([]byte, chunk)
	n, err := t.f.ReadAt(buf, readPos)
	if n == 0 {
		if err != nil && err != io.EOF {
			return nil, t.fail(err)
		}
		t.healthy()
		return nil, nil
	}
	buf = buf[:n]

	data := make([]byte, 0, len(t.partial)+len(buf))
	data = append(data, t.partial...)
	data = append(data, buf...)

	var lines [][]byte
	consumed := 0
	for {
		nl := bytes.IndexByte(data[consumed:], '\n')
		if nl < 0 {
			break
		}
		line := data[consumed : consumed+nl]
		consumed += nl + 1

		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}

	t.offset += int64(consumed)
	t.partial = append(t.partial[:0], data[consumed:]...)

	t.healthy()
	return lines, nil
}

func (t *Tailer) rotate(id Identity) {
	t.identity = id
	t.offset = 0
	t.partial = t.partial[:0]
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

func (t *Tailer) healthy() {
	t.backoff = 0
	t.retryAt = time.Time{}
	t.failSince = time.Time{}
}

func (t *Tailer) fail(err error) error {
	now := time.Now()
	if t.failSince.IsZero() {
		t.failSince = now
	}
	if t.backoff == 0 {
		t.backoff = t.pollInterval
	} else {
		t.backoff *= 2
		if limit := t.pollInterval * backoffCapFactor; t.backoff > limit {
			t.backoff = limit
		}
	}
	t.retryAt = now.Add(t.backoff)
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	return fmt.Errorf("tail %s: %w", t.path, err)
}

// Package audit records every validation decision. The primary sink is
// an append-only JSONL file rotated into zstd archives; an encrypted
// SQLite store can mirror the events for querying.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/AgentShepherd/shellward/internal/fileutil"
	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/verdict"
)

var log = logger.New("audit")

// Event is one validation decision as written to the log.
type Event struct {
	ID         string  `json:"id"`
	Time       string  `json:"time"`
	User       string  `json:"user"`
	WorkDir    string  `json:"work_dir"`
	Command    string  `json:"command"`
	Canonical  string  `json:"canonical,omitempty"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Model      string  `json:"model,omitempty"`
	// Overridden is set when the user confirmed past a warning.
	Overridden bool `json:"overridden,omitempty"`
	ExitCode   *int `json:"exit_code,omitempty"`
}

// NewEvent builds an Event from a verdict.
func NewEvent(command, canonical string, v verdict.Verdict, model string) Event {
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	wd, _ := os.Getwd()
	return Event{
		ID:         uuid.NewString(),
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		User:       username,
		WorkDir:    wd,
		Command:    command,
		Canonical:  canonical,
		Action:     string(v.Action),
		Reason:     v.Reason,
		Confidence: v.Confidence,
		Source:     string(v.Source),
		Model:      model,
	}
}

// Logger appends events to a JSONL file and rotates it into zstd
// archives when it grows past maxBytes. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	dir      string
	path     string
	maxBytes int64
	file     *os.File
	store    *Store
}

// NewLogger opens (or creates) the audit log under dir. store may be
// nil.
func NewLogger(dir string, maxBytes int64, store *Store) (*Logger, error) {
	if err := fileutil.SecureMkdirAll(dir); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	path := filepath.Join(dir, "audit.jsonl")
	f, err := fileutil.SecureOpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Logger{dir: dir, path: path, maxBytes: maxBytes, file: f, store: store}, nil
}

// Record appends one event. Audit failures are logged but never fail
// the caller: a broken audit trail must not take the gateway down.
func (l *Logger) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		log.Error("marshal event: %v", err)
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		log.Error("write event: %v", err)
		return
	}
	if l.store != nil {
		if err := l.store.Insert(ev); err != nil {
			log.Warn("store insert: %v", err)
		}
	}
	l.maybeRotate()
}

// maybeRotate compresses the current log into a timestamped zstd
// archive once it exceeds the size limit. Called with the lock held.
func (l *Logger) maybeRotate() {
	fi, err := l.file.Stat()
	if err != nil || fi.Size() < l.maxBytes {
		return
	}

	// Sequence suffix keeps names unique when several rotations land in
	// the same second; compressFile opens O_EXCL and would refuse reuse.
	stamp := time.Now().UTC().Format("20060102T150405")
	archive := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl.zst", stamp))
	for seq := 1; ; seq++ {
		if _, err := os.Lstat(archive); os.IsNotExist(err) {
			break
		}
		archive = filepath.Join(l.dir, fmt.Sprintf("audit-%s-%d.jsonl.zst", stamp, seq))
	}
	if err := compressFile(l.path, archive); err != nil {
		log.Error("rotate: %v", err)
		return
	}

	l.file.Close()
	f, err := fileutil.SecureOpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		log.Error("rotate reopen: %v", err)
		return
	}
	l.file = f
	log.Info("rotated audit log to %s", filepath.Base(archive))
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fileutil.SecureOpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := enc.ReadFrom(in); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Close flushes and closes the log and the store.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.file != nil {
		first = l.file.Close()
		l.file = nil
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Package resolver reads the file content a command depends on before
// the command runs. Every file is opened once, without following
// symlinks, and the open descriptor is kept pinned so that the content
// that was analyzed is the content that executes.
package resolver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/AgentShepherd/shellward/internal/logger"
	"github.com/AgentShepherd/shellward/internal/rules"
)

var log = logger.New("resolver")

// Status is the outcome of resolving one file reference.
type Status int

const (
	// StatusResolved content was read and is safe to analyze.
	StatusResolved Status = iota
	// StatusBlocked the file is on the sensitive list.
	StatusBlocked
	// StatusUnresolvable the content cannot be pinned or read within
	// budget. The command is not rejected here; downstream layers apply
	// their floor.
	StatusUnresolvable
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusBlocked:
		return "blocked"
	default:
		return "unresolvable"
	}
}

// Resolution is the result of one ResolveFile call. File is the pinned
// descriptor for resolved content; it stays open until the session is
// closed so execution can reference it instead of the path.
type Resolution struct {
	Path    string
	Status  Status
	Content string
	File    *os.File
	Reason  string
}

// Resolver holds the budgets and sensitive-path policy shared by all
// sessions.
type Resolver struct {
	sensitive     *rules.PathMatcher
	maxDepth      int
	maxFileBytes  int64
	maxTotalBytes int64
}

// Options configures a Resolver. Zero fields fall back to safe defaults.
type Options struct {
	Sensitive     *rules.PathMatcher
	MaxDepth      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		sensitive:     opts.Sensitive,
		maxDepth:      opts.MaxDepth,
		maxFileBytes:  opts.MaxFileBytes,
		maxTotalBytes: opts.MaxTotalBytes,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = 3
	}
	if r.maxFileBytes <= 0 {
		r.maxFileBytes = 8192
	}
	if r.maxTotalBytes <= 0 {
		r.maxTotalBytes = 65536
	}
	return r
}

// MaxDepth reports the recursion budget for nested content.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

type inodeKey struct {
	dev uint64
	ino uint64
}

// Session tracks per-command resolution state: the visited set, the byte
// budget and the pinned descriptors. Sessions are not safe for
// concurrent use.
type Session struct {
	r       *Resolver
	ctx     context.Context
	workDir string
	visited map[inodeKey]bool
	total   int64
	pinned  []*os.File
}

// NewSession starts a resolution session for one command. workDir
// anchors relative paths. The context carries the overall deadline.
func (r *Resolver) NewSession(ctx context.Context, workDir string) *Session {
	return &Session{
		r:       r,
		ctx:     ctx,
		workDir: workDir,
		visited: map[inodeKey]bool{},
	}
}

// Pinned returns the descriptors opened so far, in resolution order.
// Ownership stays with the session.
func (s *Session) Pinned() []*os.File { return s.pinned }

// Close releases every pinned descriptor.
func (s *Session) Close() {
	for _, f := range s.pinned {
		f.Close()
	}
	s.pinned = nil
}

// pseudoFilesystems whose file sizes and contents are unreliable or
// side-effecting to read.
var pseudoPrefixes = []string{"/proc/", "/sys/", "/dev/"}

// ResolveFile pins and reads one file reference. depth counts recursion
// levels already consumed; exceeding the budget yields unresolvable, not
// an error. The call never fails hard: every problem maps to a status.
func (s *Session) ResolveFile(path string, depth int) Resolution {
	if err := s.ctx.Err(); err != nil {
		return unresolvable(path, "resolution deadline exceeded")
	}
	if depth > s.r.maxDepth {
		return unresolvable(path, "nesting depth limit reached")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.workDir, path)
	}
	abs = filepath.Clean(abs)

	if s.r.sensitive != nil && (s.r.sensitive.Match(abs) || s.r.sensitive.Match(path)) {
		log.Warn("blocked read of sensitive path %s", abs)
		return Resolution{Path: path, Status: StatusBlocked, Reason: "reads a sensitive path: " + abs}
	}
	for _, prefix := range pseudoPrefixes {
		if strings.HasPrefix(abs, prefix) {
			return unresolvable(path, "pseudo-filesystem content is not stable")
		}
	}

	f, err := os.OpenFile(abs, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if isSymlinkErr(err) {
			return unresolvable(path, "path is a symlink")
		}
		return unresolvable(path, "cannot open: "+err.Error())
	}

	// Classify by the descriptor, not the path, so a swap between open
	// and stat cannot change what we think we read.
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return unresolvable(path, "cannot stat: "+err.Error())
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return unresolvable(path, "not a regular file")
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if ok {
		key := inodeKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
		if s.visited[key] {
			f.Close()
			return unresolvable(path, "file already visited in this command")
		}
		s.visited[key] = true
	}

	if fi.Size() > s.r.maxFileBytes {
		f.Close()
		return unresolvable(path, "file exceeds per-file size budget")
	}
	if s.total+fi.Size() > s.r.maxTotalBytes {
		f.Close()
		return unresolvable(path, "total resolution byte budget exhausted")
	}

	data, err := io.ReadAll(io.LimitReader(f, s.r.maxFileBytes+1))
	if err != nil {
		f.Close()
		return unresolvable(path, "read failed: "+err.Error())
	}
	if int64(len(data)) > s.r.maxFileBytes {
		f.Close()
		return unresolvable(path, "file grew past the size budget during read")
	}
	s.total += int64(len(data))

	if !utf8.Valid(data) || strings.ContainsRune(string(data), 0) {
		// Binary executables are run directly, not analyzed as text.
		// The descriptor still gets pinned so execution sees this exact
		// content.
		s.pin(f)
		return Resolution{Path: path, Status: StatusUnresolvable, File: f,
			Reason: "binary content cannot be analyzed as shell text"}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return unresolvable(path, "seek failed: "+err.Error())
	}
	s.pin(f)
	log.Debug("resolved %s (%d bytes)", abs, len(data))
	return Resolution{Path: path, Status: StatusResolved, Content: string(data), File: f}
}

func (s *Session) pin(f *os.File) {
	s.pinned = append(s.pinned, f)
}

func unresolvable(path, reason string) Resolution {
	return Resolution{Path: path, Status: StatusUnresolvable, Reason: reason}
}

func isSymlinkErr(err error) bool {
	for e := err; e != nil; {
		if errno, ok := e.(syscall.Errno); ok {
			return errno == syscall.ELOOP || errno == syscall.EMLINK
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AgentShepherd/shellward/internal/rules"
)

func newTestResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	if opts.Sensitive == nil {
		pm, err := rules.NewPathMatcher(
			[]string{"/etc/shadow"},
			[]string{"**/.ssh/id_*", "**/.aws/credentials"},
		)
		if err != nil {
			t.Fatalf("path matcher: %v", err)
		}
		opts.Sensitive = pm
	}
	return New(opts)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveRegularFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "run.sh", "echo hello\n")

	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	res := s.ResolveFile("run.sh", 0)
	if res.Status != StatusResolved {
		t.Fatalf("status = %v (%s), want resolved", res.Status, res.Reason)
	}
	if res.Content != "echo hello\n" {
		t.Errorf("content = %q", res.Content)
	}
	if res.File == nil {
		t.Fatal("resolved file should carry a pinned descriptor")
	}
	if len(s.Pinned()) != 1 {
		t.Errorf("pinned = %d, want 1", len(s.Pinned()))
	}

	// The pinned descriptor survives a rename of the original path.
	if err := os.Rename(filepath.Join(dir, "run.sh"), filepath.Join(dir, "gone.sh")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := res.File.Read(buf); err != nil {
		t.Errorf("pinned read after rename: %v", err)
	}
	if string(buf) != "echo" {
		t.Errorf("pinned content = %q", buf)
	}
}

func TestSensitivePathsBlocked(t *testing.T) {
	dir := t.TempDir()
	sshDir := filepath.Join(dir, ".ssh")
	if err := os.Mkdir(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, sshDir, "id_ed25519", "PRIVATE KEY")

	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	if res := s.ResolveFile("/etc/shadow", 0); res.Status != StatusBlocked {
		t.Errorf("/etc/shadow status = %v, want blocked", res.Status)
	}
	if res := s.ResolveFile(filepath.Join(sshDir, "id_ed25519"), 0); res.Status != StatusBlocked {
		t.Errorf("ssh key status = %v, want blocked", res.Status)
	}
}

func TestSymlinkRefused(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "real.sh", "echo hi\n")
	link := filepath.Join(dir, "link.sh")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	res := s.ResolveFile("link.sh", 0)
	if res.Status != StatusUnresolvable {
		t.Fatalf("symlink status = %v, want unresolvable", res.Status)
	}
}

func TestBudgets(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'a'
	}
	writeFile(t, dir, "big.sh", string(big))
	writeFile(t, dir, "a.sh", "echo a\n")
	writeFile(t, dir, "b.sh", "echo b\n")

	r := newTestResolver(t, Options{MaxFileBytes: 100, MaxTotalBytes: 10})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	if res := s.ResolveFile("big.sh", 0); res.Status != StatusUnresolvable {
		t.Errorf("oversized file status = %v, want unresolvable", res.Status)
	}
	if res := s.ResolveFile("a.sh", 0); res.Status != StatusResolved {
		t.Errorf("first small file status = %v (%s)", res.Status, res.Reason)
	}
	if res := s.ResolveFile("b.sh", 0); res.Status != StatusUnresolvable {
		t.Errorf("budget-exhausted status = %v, want unresolvable", res.Status)
	}
}

func TestDepthLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.sh", "echo x\n")

	r := newTestResolver(t, Options{MaxDepth: 2})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	if res := s.ResolveFile("x.sh", 2); res.Status != StatusResolved {
		t.Errorf("at-limit status = %v (%s)", res.Status, res.Reason)
	}
	if res := s.ResolveFile("x.sh", 3); res.Status != StatusUnresolvable {
		t.Errorf("past-limit status = %v, want unresolvable", res.Status)
	}
}

func TestVisitedSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "loop.sh", "bash loop.sh\n")

	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	if res := s.ResolveFile("loop.sh", 0); res.Status != StatusResolved {
		t.Fatalf("first visit status = %v (%s)", res.Status, res.Reason)
	}
	if res := s.ResolveFile("loop.sh", 1); res.Status != StatusUnresolvable {
		t.Errorf("revisit status = %v, want unresolvable", res.Status)
	}
}

func TestNonRegularAndMissing(t *testing.T) {
	dir := t.TempDir()
	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	if res := s.ResolveFile("missing.sh", 0); res.Status != StatusUnresolvable {
		t.Errorf("missing file status = %v, want unresolvable", res.Status)
	}
	if res := s.ResolveFile("/proc/self/environ", 0); res.Status != StatusUnresolvable {
		t.Errorf("procfs status = %v, want unresolvable", res.Status)
	}
}

func TestBinaryContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prog", "\x7fELF\x00\x01\x02")

	r := newTestResolver(t, Options{})
	s := r.NewSession(context.Background(), dir)
	defer s.Close()

	res := s.ResolveFile("prog", 0)
	if res.Status != StatusUnresolvable {
		t.Fatalf("binary status = %v, want unresolvable", res.Status)
	}
	if res.File == nil {
		t.Error("binary should still pin its descriptor")
	}
}

func TestCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.sh", "echo x\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestResolver(t, Options{})
	s := r.NewSession(ctx, dir)
	defer s.Close()

	if res := s.ResolveFile("x.sh", 0); res.Status != StatusUnresolvable {
		t.Errorf("cancelled status = %v, want unresolvable", res.Status)
	}
}

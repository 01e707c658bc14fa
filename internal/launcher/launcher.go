// Package launcher locates the agent CLI binary, gates on its reported
// version, and spawns it with the stream-json output contract, wiring its
// stdout/stderr into an internal/codec.Codec via two long-lived reader
// tasks.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/log"
)

// MinVersion is the lowest accepted (major, minor, patch) of the agent CLI.
var MinVersion = [3]int{0, 9, 0}

const scannerBufferSize = 1024 * 1024 // 1MB, matches the teacher's line buffer.

// wellKnownLocations is the fixed fallback search list, honored in order
// after PATH, combining every location the pack's teacher and original
// implementations each search.
func wellKnownLocations(home string) []string {
	return []string{
		filepath.Join(home, ".claude", "local", "claude"),
		filepath.Join(home, ".claude", "claude"),
		filepath.Join(home, ".claude", "bin", "claude"),
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
	}
}

// FindExecutable resolves the agent binary's path. overridePath, if
// non-empty, must name an existing non-directory file or the search fails
// naming that path. Otherwise PATH is searched, then the well-known
// locations in order.
func FindExecutable(overridePath string) (string, error) {
	if overridePath != "" {
		info, err := os.Stat(overridePath)
		if err != nil {
			return "", fmt.Errorf("override agent path %q does not exist: %w", overridePath, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("override agent path %q is a directory", overridePath)
		}
		return overridePath, nil
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	home := os.Getenv("HOME")
	if home != "" {
		for _, candidate := range wellKnownLocations(home) {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("could not locate the agent CLI: not on PATH and no well-known install found")
}

// Version is a parsed (major, minor, patch) triple.
type Version [3]int

// Less reports whether v is older than other.
func (v Version) Less(other Version) bool {
	for i := 0; i < 3; i++ {
		if v[i] != other[i] {
			return v[i] < other[i]
		}
	}
	return false
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// ProbeVersion invokes path with --version, parses the first line's first
// three dot-separated integer components, and rejects anything older than
// MinVersion or unrecognizable.
func ProbeVersion(ctx context.Context, path string) (Version, error) {
	cmd := exec.CommandContext(ctx, path, "--version")
	out, err := cmd.Output()
	if err != nil {
		return Version{}, fmt.Errorf("failed to run %s --version: %w", path, err)
	}

	lines := strings.SplitN(string(out), "\n", 2)
	if len(lines) == 0 {
		return Version{}, fmt.Errorf("agent CLI produced no version output")
	}
	firstLine := strings.TrimSpace(lines[0])

	fields := strings.Fields(firstLine)
	var version Version
	found := false
	for _, field := range fields {
		if v, ok := parseVersionToken(field); ok {
			version = v
			found = true
			break
		}
	}
	if !found {
		return Version{}, fmt.Errorf("unrecognizable agent CLI version output: %q", firstLine)
	}

	min := Version(MinVersion)
	if version.Less(min) {
		return Version{}, fmt.Errorf("agent CLI version %s is older than the minimum supported %s", version, min)
	}
	return version, nil
}

func parseVersionToken(token string) (Version, bool) {
	parts := strings.SplitN(token, ".", 4)
	if len(parts) < 3 {
		return Version{}, false
	}
	var v Version
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return Version{}, false
		}
		v[i] = n
	}
	return v, true
}

// VersionGate caches the result of ProbeVersion for a resolved executable
// path and watches that path's directory so a replacement binary (the host
// upgrading `claude` mid-run, which on most platforms rename(2)s a new file
// over the old one) invalidates the cached gate instead of silently running
// the check against a stale probe.
type VersionGate struct {
	mu       sync.Mutex
	cache    map[string]Version
	watcher  *fsnotify.Watcher
	watching map[string]bool
}

// NewVersionGate creates a VersionGate. Watching failures are logged, not
// fatal: a gate that cannot watch just never invalidates its cache, falling
// back to re-probing only on process restart.
func NewVersionGate() *VersionGate {
	g := &VersionGate{cache: make(map[string]Version), watching: make(map[string]bool)}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.ErrorErr(log.CatLauncher, "failed to create version-gate file watcher", err)
		return g
	}
	g.watcher = watcher
	go g.run()
	return g
}

func (g *VersionGate) run() {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				g.invalidate(event.Name)
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatLauncher, "version-gate file watcher error", err)
		}
	}
}

func (g *VersionGate) invalidate(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, path)
}

// Check returns a cached Version for path, probing (and gating on
// MinVersion) only on a cache miss.
func (g *VersionGate) Check(ctx context.Context, path string) (Version, error) {
	g.mu.Lock()
	if v, ok := g.cache[path]; ok {
		g.mu.Unlock()
		return v, nil
	}
	g.mu.Unlock()

	v, err := ProbeVersion(ctx, path)
	if err != nil {
		return Version{}, err
	}

	g.mu.Lock()
	g.cache[path] = v
	if g.watcher != nil && !g.watching[filepath.Dir(path)] {
		if err := g.watcher.Add(filepath.Dir(path)); err == nil {
			g.watching[filepath.Dir(path)] = true
		}
	}
	g.mu.Unlock()

	return v, nil
}

// Close stops the gate's watcher, if any.
func (g *VersionGate) Close() error {
	if g.watcher == nil {
		return nil
	}
	return g.watcher.Close()
}

// Config describes one spawn of the agent CLI.
type Config struct {
	ExecPath  string
	WorkDir   string
	Prompt    string
	SessionID string
}

// Process is the owned child handle plus its attached codec. It satisfies
// internal/supervisor.ChildHandle.
type Process struct {
	cmd       *exec.Cmd
	codec     *codec.Codec
	sessionID string
	workDir   string

	wg      sync.WaitGroup
	exited  atomic.Bool
	waitErr error
}

func buildArgs(cfg Config) []string {
	return []string{"-p", cfg.Prompt, "--verbose", "--output-format", "stream-json"}
}

// Spawn launches the agent CLI per the spawn contract: stdin closed,
// stdout/stderr piped and fanned into two reader tasks that feed c.
// Failures include the attempted working directory in the message.
func Spawn(ctx context.Context, cfg Config, c *codec.Codec) (*Process, error) {
	cmd := exec.CommandContext(ctx, cfg.ExecPath, buildArgs(cfg)...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout in %q: %w", cfg.WorkDir, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr in %q: %w", cfg.WorkDir, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent CLI in %q: %w", cfg.WorkDir, err)
	}

	p := &Process{
		cmd:       cmd,
		codec:     c,
		sessionID: cfg.SessionID,
		workDir:   cfg.WorkDir,
	}

	c.EmitRunning()

	p.wg.Add(2)
	go p.readStream(stdout, c.DecodeStdout)
	go p.readStream(stderr, c.DecodeStderr)

	return p, nil
}

func (p *Process) readStream(r interface{ Read([]byte) (int, error) }, decode func(string)) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		decode(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.ErrorErr(log.CatLauncher, "reader task scan failed", err, "session_id", p.sessionID)
	}
}

// Wait blocks until both reader tasks have drained and the child has
// exited, returning the child's exit error (nil on success). Wait is the
// exit waiter's single call into cmd.Wait(); Exited/Interrupt/Kill never
// call it themselves, since exec.Cmd.Wait may only be called once.
func (p *Process) Wait() error {
	err := p.cmd.Wait()
	p.wg.Wait()
	p.waitErr = err
	p.exited.Store(true)
	return err
}

// Exited reports whether Wait has observed the child exit. Used by the
// supervisor's interrupt-poll loop, which must never itself call cmd.Wait.
func (p *Process) Exited() bool { return p.exited.Load() }

// Interrupt sends a graceful stop signal to the child: SIGINT on POSIX so
// the agent CLI can flush state and run cleanup hooks before exiting.
func (p *Process) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// Kill force-terminates the child.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Pid returns the child process id, or 0 if it was never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// OSProcess exposes the underlying process so the supervisor can signal it.
func (p *Process) OSProcess() *os.Process {
	return p.cmd.Process
}

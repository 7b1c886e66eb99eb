package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound     = errors.New("process: engine executable not found")
	ErrVersionProbe = errors.New("process: version probe failed")
	ErrSpawn        = errors.New("process: spawn failed")
)

const DefaultExecutable = "pkl"

type Config struct {
	Executable     string
	Args           []string
	VersionArgs    []string
	VersionTimeout time.Duration
	StopTimeout    time.Duration
	// Env entries are appended to the current environment of the child.
	Env []string
	// Stderr receives the engine's diagnostics. Nil means os.Stderr.
	Stderr io.Writer
	Runner CommandRunner
}

func DefaultConfig() Config {
	return Config{
		Executable:     DefaultExecutable,
		Args:           []string{"server"},
		VersionArgs:    []string{"--version"},
		VersionTimeout: 5 * time.Second,
		StopTimeout:    3 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Executable) == "" {
		c.Executable = def.Executable
	}
	if len(c.Args) == 0 {
		c.Args = def.Args
	}
	if len(c.VersionArgs) == 0 {
		c.VersionArgs = def.VersionArgs
	}
	if c.VersionTimeout <= 0 {
		c.VersionTimeout = def.VersionTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.Runner == nil {
		c.Runner = ExecRunner{Env: c.Env}
	}
	return c
}

// Version is the parsed output of the engine's version probe.
type Version struct {
	Major int
	Minor int
	Patch int
	Pre   string
	Raw   string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Pre)
}

// AtLeast reports whether v is the same as or newer than major.minor.patch.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)([-+][0-9A-Za-z.+-]*)?`)

func ParseVersion(out string) (Version, error) {
	out = strings.TrimSpace(out)
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return Version{}, fmt.Errorf("%w: no version in %q", ErrVersionProbe, out)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, Pre: m[4], Raw: out}, nil
}

// Resolve locates the executable on PATH or as a direct path.
func Resolve(executable string) (string, error) {
	path, err := exec.LookPath(executable)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, executable, err)
	}
	return path, nil
}

// Probe runs the version command bounded by cfg.VersionTimeout.
func Probe(ctx context.Context, path string, cfg Config) (Version, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.VersionTimeout)
	defer cancel()

	stdout, stderr, code, err := cfg.Runner.Run(ctx, path, cfg.VersionArgs...)
	if err != nil {
		return Version{}, fmt.Errorf("%w: exit=%d stderr=%q: %v", ErrVersionProbe, code, strings.TrimSpace(string(stderr)), err)
	}
	return ParseVersion(string(stdout))
}

// Process is a running engine subprocess. Its stdin and stdout are the
// transport streams; stderr is passed through for diagnostics.
type Process struct {
	cfg     Config
	path    string
	version Version
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Start resolves, probes, and spawns the engine. Every failure here is a
// construction error.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	cfg = cfg.WithDefaults()
	path, err := Resolve(cfg.Executable)
	if err != nil {
		return nil, err
	}
	version, err := Probe(ctx, path, cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = cfg.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrSpawn, err)
	}
	// stdout uses a raw pipe so Wait does not close the read side while the
	// transport is still draining buffered frames.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrSpawn, err)
	}
	cmd.Stdout = outW
	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, path, err)
	}
	_ = outW.Close()

	p := &Process{
		cfg:     cfg,
		path:    path,
		version: version,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  outR,
		done:    make(chan struct{}),
	}
	go p.wait()
	log.Info().
		Str("path", path).
		Str("version", version.String()).
		Int("pid", cmd.Process.Pid).
		Msg("process.Start engine running")
	return p, nil
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
	log.Debug().Int("pid", p.cmd.Process.Pid).Err(p.waitErr).Msg("process.Process exited")
}

func (p *Process) Stdin() io.Writer      { return p.stdin }
func (p *Process) Stdout() io.Reader     { return p.stdout }
func (p *Process) Version() Version      { return p.version }
func (p *Process) Path() string          { return p.path }
func (p *Process) Pid() int              { return p.cmd.Process.Pid }
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Stop closes stdin, sends a terminate signal, and waits up to StopTimeout
// before killing the child. Repeated calls return the first result.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})
	return p.stopErr
}

func (p *Process) stop() error {
	_ = p.stdin.Close()
	defer p.stdout.Close()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Msg("process.Process.Stop terminate signal not delivered")
	}
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	log.Warn().
		Int("pid", p.cmd.Process.Pid).
		Dur("waited", p.cfg.StopTimeout).
		Msg("process.Process.Stop escalating to kill")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("process: kill pid=%d: %w", p.cmd.Process.Pid, err)
	}
	timer.Reset(p.cfg.StopTimeout)
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("process: pid=%d did not exit after kill", p.cmd.Process.Pid)
	}
}

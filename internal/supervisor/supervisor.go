// Package supervisor runs the simulator as a child process and tracks it
// through startup, readiness and termination.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simbridge/internal/core/network"
	"simbridge/internal/metrics"
)

var (
	ErrAlreadyStarted = errors.New("simulator already started")
	ErrNotStarted     = errors.New("simulator not started")
)

type State int

const (
	Idle State = iota
	Starting
	GracePeriod
	Ready
	Terminated
)

var allStates = []State{Idle, Starting, GracePeriod, Ready, Terminated}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case GracePeriod:
		return "grace_period"
	case Ready:
		return "ready"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config describes how to launch the simulator.
type Config struct {
	Binary string
	// Args default to --verbose so startup diagnostics reach the log.
	Args []string
	Dir  string
	// Env is appended to the supervisor's own environment.
	Env []string
	// GracePeriod is how long the simulator gets to bring its bus up
	// before Connect dials it.
	GracePeriod time.Duration
	// Signal terminates the simulator. Defaults to SIGHUP.
	Signal os.Signal
}

func DefaultConfig() Config {
	return Config{
		Binary:      "gzserver",
		Args:        []string{"--verbose"},
		GracePeriod: 5 * time.Second,
		Signal:      syscall.SIGHUP,
	}
}

func (c *Config) Validate() error {
	if c.Binary == "" {
		return errors.New("simulator binary is required")
	}
	if c.GracePeriod < 0 {
		return errors.New("grace period must not be negative")
	}
	return nil
}

// ProcessExitError describes a simulator exit. State is the state the
// supervisor was in when the process went away.
type ProcessExitError struct {
	PID   int
	Code  int
	State State
	Err   error
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("simulator (pid %d) exited with code %d while %s", e.PID, e.Code, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessExitError) Unwrap() error { return e.Err }

type Option func(*Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor owns one simulator process. It is not restartable; create a new
// one to launch the simulator again.
type Supervisor struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	graceUntil  time.Time
	terminating bool
	exit        *ProcessExitError
	onFault     func(*ProcessExitError)

	exited chan struct{}
	faults chan *ProcessExitError
}

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	def := DefaultConfig()
	if cfg.Args == nil {
		cfg.Args = def.Args
	}
	if cfg.Signal == nil {
		cfg.Signal = def.Signal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:    cfg,
		log:    zap.NewNop(),
		exited: make(chan struct{}),
		faults: make(chan *ProcessExitError, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.SetSimulatorState(Idle.String(), stateNames())
	return s, nil
}

// Start launches the simulator and begins forwarding its output.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	setProcessGroup(cmd)
	// Output goes through plain pipes: Wait returns at process exit even
	// while a child the simulator left behind still holds them open.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("simulator stdout: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdoutR, stdoutW)
		return fmt.Errorf("simulator stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdoutR, stderrR)
		return fmt.Errorf("start simulator: %w", err)
	}

	s.cmd = cmd
	s.graceUntil = time.Now().Add(s.cfg.GracePeriod)
	s.setStateLocked(Starting)
	s.log.Info("simulator started",
		zap.String("binary", s.cfg.Binary),
		zap.Strings("args", s.cfg.Args),
		zap.Int("pid", cmd.Process.Pid),
	)
	go s.forwardOutput(stdoutR, stderrR)
	go s.run(cmd)
	return nil
}

func (s *Supervisor) forwardOutput(stdout, stderr *os.File) {
	out := s.log.Named("simulator")
	var g errgroup.Group
	g.Go(func() error {
		defer stdout.Close()
		return forward(out, "stdout", stdout)
	})
	g.Go(func() error {
		defer stderr.Close()
		return forward(out, "stderr", stderr)
	})
	if err := g.Wait(); err != nil {
		s.log.Debug("simulator output forwarding stopped", zap.Error(err))
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) run(cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	s.mu.Lock()
	exit := &ProcessExitError{
		PID:   cmd.Process.Pid,
		Code:  cmd.ProcessState.ExitCode(),
		State: s.state,
	}
	var ee *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &ee) {
		exit.Err = waitErr
	}
	fault := s.state == Ready && !s.terminating
	s.exit = exit
	s.setStateLocked(Terminated)
	onFault := s.onFault
	close(s.exited)
	s.mu.Unlock()

	if !fault {
		s.log.Info("simulator exited", zap.Int("pid", exit.PID), zap.Int("code", exit.Code))
		return
	}
	s.metrics.IncSimulatorFault()
	s.log.Error("simulator exited unexpectedly", zap.Error(exit))
	select {
	case s.faults <- exit:
	default:
	}
	if onFault != nil {
		onFault(exit)
	}
}

func forward(log *zap.Logger, stream string, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Info(sc.Text(), zap.String("stream", stream))
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

// Connect waits out the grace period, then calls connect to dial the bus.
// If the process exits first, or connect fails, Connect returns a
// *network.ConnectionError; in the former case it wraps the
// *ProcessExitError. Connect does not retry.
func (s *Supervisor) Connect(ctx context.Context, connect func(context.Context) error) error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return ErrNotStarted
	case Ready:
		s.mu.Unlock()
		return nil
	case Terminated:
		exit := s.exit
		s.mu.Unlock()
		return exitConnectionError(exit)
	}
	s.setStateLocked(GracePeriod)
	wait := time.Until(s.graceUntil)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.exited:
			return exitConnectionError(s.exitInfo())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.exited:
			cancel()
		case <-cctx.Done():
		}
	}()
	err := connect(cctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return exitConnectionError(s.exit)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !network.IsConnectionError(err) {
			err = &network.ConnectionError{Transport: "bus", Err: err}
		}
		return err
	}
	s.setStateLocked(Ready)
	s.log.Info("simulator ready", zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

func exitConnectionError(exit *ProcessExitError) error {
	return &network.ConnectionError{Transport: "simulator", Err: exit}
}

// Terminate signals the simulator's process group to stop and returns
// without waiting.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	if s.cmd == nil || s.state == Terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	proc := s.cmd.Process
	s.mu.Unlock()

	s.log.Info("terminating simulator", zap.Int("pid", proc.Pid), zap.Stringer("signal", s.cfg.Signal))
	if err := signalGroup(proc, s.cfg.Signal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal simulator: %w", err)
	}
	return nil
}

// Wait blocks until the simulator exits or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) (*ProcessExitError, error) {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	select {
	case <-s.exited:
		return s.exitInfo(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the simulator and waits for it, killing it if ctx ends
// first. Processes the simulator left behind in its group are killed once it
// has exited.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.Terminate(); err != nil {
		return err
	}
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if _, err := s.Wait(ctx); err != nil {
		s.log.Warn("simulator ignored termination signal, killing", zap.Int("pid", cmd.Process.Pid))
		if kerr := signalGroup(cmd.Process, os.Kill); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return fmt.Errorf("kill simulator: %w", kerr)
		}
		<-s.exited
		return nil
	}
	_ = signalGroup(cmd.Process, os.Kill)
	return nil
}

// Exited is closed once the simulator process has exited.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Faults delivers the exit of a simulator that died while ready.
func (s *Supervisor) Faults() <-chan *ProcessExitError {
	return s.faults
}

// OnFault registers a callback for the same event Faults reports.
func (s *Supervisor) OnFault(fn func(*ProcessExitError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFault = fn
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the simulator's process id, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Supervisor) exitInfo() *ProcessExitError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	s.metrics.SetSimulatorState(st.String(), stateNames())
}

func stateNames() []string {
	out := make([]string, len(allStates))
	for i, st := range allStates {
		out[i] = st.String()
	}
	return out
}

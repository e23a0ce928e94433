package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"simbridge/internal/core/network"
)

const helperEnv = "SIMBRIDGE_HELPER_SIMULATOR"

// TestHelperSimulator is not a real test. The supervisor tests launch the
// test binary running only this function to stand in for the simulator.
func TestHelperSimulator(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	fmt.Fprintln(os.Stdout, "helper simulator up")
	fmt.Fprintln(os.Stderr, "helper simulator warming up")
	switch mode {
	case "exit":
		os.Exit(3)
	case "crash":
		time.Sleep(300 * time.Millisecond)
		os.Exit(2)
	default:
		// Runs until the supervisor's SIGHUP ends it.
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func helperConfig(mode string, grace time.Duration) Config {
	return Config{
		Binary:      os.Args[0],
		Args:        []string{"-test.run=^TestHelperSimulator$"},
		Env:         []string{helperEnv + "=" + mode},
		GracePeriod: grace,
	}
}

func startHelper(t *testing.T, mode string, grace time.Duration, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(helperConfig(mode, grace), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func connectOK(context.Context) error { return nil }

func TestConnectFailsWhenProcessExitsBeforeReady(t *testing.T) {
	s := startHelper(t, "exit", 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err := s.Connect(ctx, connectOK)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "connect waited out the grace period")

	var ce *network.ConnectionError
	require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
	var pe *ProcessExitError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 3, pe.Code)
	assert.NotEqual(t, Ready, pe.State)
	assert.Equal(t, Terminated, s.State())

	// Later calls report the same failure instead of hanging.
	assert.True(t, network.IsConnectionError(s.Connect(ctx, connectOK)))
}

func TestExitDetectedWhileChildHoldsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	core, logs := observer.New(zapcore.InfoLevel)
	s, err := New(Config{
		Binary:      "sh",
		Args:        []string{"-c", "echo wrapper up; sleep 20 & exit 3"},
		GracePeriod: 3 * time.Second,
	}, WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	err = s.Connect(ctx, connectOK)
	assert.Less(t, time.Since(start), 3*time.Second, "connect waited out the grace period")

	var ce *network.ConnectionError
	require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
	var pe *ProcessExitError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 3, pe.Code)
	assert.Equal(t, Terminated, s.State())

	require.Eventually(t, func() bool {
		return logs.FilterMessage("wrapper up").Len() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLifecycleForwardsOutputAndTerminates(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := startHelper(t, "serve", 50*time.Millisecond, WithLogger(zap.New(core)))
	assert.Equal(t, Starting, s.State())
	assert.NotZero(t, s.PID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, connectOK))
	assert.Equal(t, Ready, s.State())

	require.Eventually(t, func() bool {
		return logs.FilterMessage("helper simulator up").FilterField(zap.String("stream", "stdout")).Len() == 1 &&
			logs.FilterMessage("helper simulator warming up").FilterField(zap.String("stream", "stderr")).Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Terminate())
	exit, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Ready, exit.State)
	assert.Equal(t, Terminated, s.State())
	select {
	case f := <-s.Faults():
		t.Fatalf("requested termination reported as fault: %v", f)
	default:
	}
	require.NoError(t, s.Terminate(), "terminate after exit is a no-op")
}

func TestExitWhileReadyIsFault(t *testing.T) {
	s := startHelper(t, "crash", 10*time.Millisecond)
	called := make(chan *ProcessExitError, 1)
	s.OnFault(func(e *ProcessExitError) { called <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, connectOK))

	select {
	case f := <-s.Faults():
		assert.Equal(t, 2, f.Code)
		assert.Equal(t, Ready, f.State)
	case <-time.After(5 * time.Second):
		t.Fatal("no fault reported")
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("fault callback not invoked")
	}
}

func TestConnectFailureIsNotRetried(t *testing.T) {
	s := startHelper(t, "serve", 10*time.Millisecond)
	calls := 0
	err := s.Connect(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	assert.True(t, network.IsConnectionError(err), "got %v", err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, GracePeriod, s.State())
}

func TestConnectHonoursContext(t *testing.T) {
	s := startHelper(t, "serve", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Connect(ctx, connectOK), context.DeadlineExceeded)
}

func TestStartAndConnectOrdering(t *testing.T) {
	s, err := New(helperConfig("serve", 0))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Connect(context.Background(), connectOK), ErrNotStarted)
	_, err = s.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartMissingBinary(t *testing.T) {
	s, err := New(Config{Binary: "/nonexistent/simulator"})
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, Idle, s.State())
}

func TestNewAppliesDefaults(t *testing.T) {
	s, err := New(Config{Binary: "gzserver"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, s.cfg.Args)
	assert.Equal(t, DefaultConfig().Signal, s.cfg.Signal)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestUsageOfRunningSimulator(t *testing.T) {
	s := startHelper(t, "serve", 0)
	u, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.PID(), u.PID)
	assert.NotZero(t, u.RSSBytes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "grace_period", GracePeriod.String())
	assert.Equal(t, "state(42)", State(42).String())
}

package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// TestHelperProcess stands in for ffmpeg when re-executed by helperCommand.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "run":
		fmt.Fprintln(os.Stderr, "ffmpeg version helper")
		time.Sleep(time.Minute)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		if ready := os.Getenv("HELPER_READY"); ready != "" {
			_ = os.WriteFile(ready, []byte("ok"), 0o644)
		}
		time.Sleep(time.Minute)
	case "chatty":
		// Far more than a pipe buffer holds; blocks forever if nobody reads.
		line := strings.Repeat("frame=  120 fps= 30 q=23.0 size=    512kB ", 2) + "\n"
		for written := 0; written < 8<<20; written += len(line) {
			fmt.Fprint(os.Stderr, line)
		}
		if ready := os.Getenv("HELPER_READY"); ready != "" {
			_ = os.WriteFile(ready, []byte("ok"), 0o644)
		}
		time.Sleep(time.Minute)
	case "crash":
		fmt.Fprintln(os.Stderr, "rtp://127.0.0.1:10000: Connection refused")
		os.Exit(1)
	case "args":
		fmt.Fprintln(os.Stdout, strings.Join(os.Args, " "))
	}
	os.Exit(0)
}

func helperCommand(mode string, extraEnv ...string) CommandFunc {
	return func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		cmd.Env = append(cmd.Env, extraEnv...)
		return cmd
	}
}

type pipelineEvents struct {
	mu     sync.Mutex
	events []string
}

func (p *pipelineEvents) ObservePipeline(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *pipelineEvents) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func skipWithoutSignals(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("signals are not supported on windows")
	}
}

func waitForFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s did not appear within %s", path, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForExit(t *testing.T, sup *Supervisor, timeout time.Duration) {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(timeout):
		t.Fatalf("process did not exit within %s", timeout)
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	skipWithoutSignals(t)
	root := t.TempDir()
	events := &pipelineEvents{}
	sup := NewSupervisor(Config{OutputRoot: root, StopTimeout: 5 * time.Second}, Options{
		Command:  helperCommand("run"),
		Observer: events,
	})
	exits := make(chan error, 1)
	sup.OnExit(func(err error) { exits <- err })

	if err := sup.Start(context.Background(), 10000, "abc123"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.Running() {
		t.Fatal("expected supervisor to be running")
	}
	if sup.PID() == 0 {
		t.Fatal("expected a pid")
	}
	if info, err := os.Stat(filepath.Join(root, "abc123")); err != nil || !info.IsDir() {
		t.Fatalf("expected output directory, got %v", err)
	}
	if err := sup.Start(context.Background(), 10000, "abc123"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}

	sup.Stop(context.Background())
	if sup.Running() {
		t.Fatal("expected supervisor to be stopped")
	}
	select {
	case err := <-exits:
		if err != nil {
			t.Fatalf("expected requested stop to report nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	if got := strings.Join(events.list(), ","); got != "started,stopped" {
		t.Fatalf("unexpected events %s", got)
	}

	sup.Stop(context.Background())
}

func TestSupervisorKillsAfterStopTimeout(t *testing.T) {
	skipWithoutSignals(t)
	ready := filepath.Join(t.TempDir(), "ready")
	sup := NewSupervisor(Config{OutputRoot: t.TempDir(), StopTimeout: 200 * time.Millisecond}, Options{
		Command: helperCommand("ignore-term", "HELPER_READY="+ready),
	})
	if err := sup.Start(context.Background(), 10004, "stubborn"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForFile(t, ready, 10*time.Second)

	started := time.Now()
	sup.Stop(context.Background())
	if elapsed := time.Since(started); elapsed < 200*time.Millisecond {
		t.Fatalf("expected stop to wait for the timeout, returned after %s", elapsed)
	}
	if sup.Running() {
		t.Fatal("expected process to be killed")
	}
	if err := sup.ExitErr(); err != nil {
		t.Fatalf("requested stop should not record an exit error, got %v", err)
	}
}

func TestSupervisorDrainsChattyOutput(t *testing.T) {
	skipWithoutSignals(t)
	ready := filepath.Join(t.TempDir(), "ready")
	sup := NewSupervisor(Config{OutputRoot: t.TempDir(), StopTimeout: 5 * time.Second}, Options{
		Command: helperCommand("chatty", "HELPER_READY="+ready),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	started := time.Now()
	if err := sup.Start(context.Background(), 10008, "chatty"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("Start waited on the process for %s", elapsed)
	}

	// The helper only gets past its writes if stderr is being read.
	waitForFile(t, ready, 30*time.Second)
	if !sup.Running() {
		t.Fatal("expected the process to still be running after its output")
	}

	sup.Stop(context.Background())
	waitForExit(t, sup, 5*time.Second)
	if sup.Running() {
		t.Fatal("expected process to be stopped")
	}
	if err := sup.ExitErr(); err != nil {
		t.Fatalf("requested stop should not record an exit error, got %v", err)
	}
}

func TestSupervisorReportsCrash(t *testing.T) {
	events := &pipelineEvents{}
	sup := NewSupervisor(Config{OutputRoot: t.TempDir()}, Options{
		Command:  helperCommand("crash"),
		Observer: events,
	})
	exits := make(chan error, 1)
	sup.OnExit(func(err error) { exits <- err })

	if err := sup.Start(context.Background(), 10000, "crashy"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-exits:
		if err == nil || !strings.Contains(err.Error(), "Connection refused") {
			t.Fatalf("expected exit error with stderr context, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	waitForExit(t, sup, time.Second)
	if got := strings.Join(events.list(), ","); got != "started,failed" {
		t.Fatalf("unexpected events %s", got)
	}
	if sup.ExitErr() == nil {
		t.Fatal("expected exit error to be recorded")
	}
}

func TestSupervisorPassesPlanArguments(t *testing.T) {
	var gotName string
	var gotArgs []string
	command := func(name string, args ...string) *exec.Cmd {
		gotName, gotArgs = name, args
		return helperCommand("args")(name, args...)
	}
	root := t.TempDir()
	sup := NewSupervisor(Config{OutputRoot: root, FFmpegPath: "/opt/ffmpeg/bin/ffmpeg"}, Options{Command: command})
	if err := sup.Start(context.Background(), 10010, "argcheck"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForExit(t, sup, 10*time.Second)

	if gotName != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected binary %q", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-i rtp://127.0.0.1:10010") {
		t.Fatalf("unexpected args %s", joined)
	}
	if !strings.HasSuffix(joined, filepath.ToSlash(filepath.Join(root, "argcheck", "index.m3u8"))) {
		t.Fatalf("expected playlist output last, got %s", joined)
	}
}

func TestSupervisorDirectoryFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	sup := NewSupervisor(Config{OutputRoot: root}, Options{Command: helperCommand("run")})

	err := sup.Start(context.Background(), 10000, "key")
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Stage != StageDirectory {
		t.Fatalf("expected directory start error, got %v", err)
	}
	if sup.Running() {
		t.Fatal("expected nothing to run")
	}
}

func TestSupervisorRejectsUnsafeStreamKey(t *testing.T) {
	sup := NewSupervisor(Config{OutputRoot: t.TempDir()}, Options{Command: helperCommand("run")})
	err := sup.Start(context.Background(), 10000, "../escape")
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Stage != StageDirectory || !errors.Is(err, ErrInvalidStreamKey) {
		t.Fatalf("expected invalid stream key, got %v", err)
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	sup := NewSupervisor(Config{
		OutputRoot: t.TempDir(),
		FFmpegPath: filepath.Join(t.TempDir(), "missing-ffmpeg"),
	}, Options{})

	err := sup.Start(context.Background(), 10000, "key")
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Stage != StageSpawn {
		t.Fatalf("expected spawn start error, got %v", err)
	}
}

func TestSupervisorStopWhenIdle(t *testing.T) {
	sup := NewSupervisor(Config{}, Options{})
	sup.Stop(context.Background())
	if sup.Running() {
		t.Fatal("idle supervisor reported running")
	}
	select {
	case <-sup.Done():
	default:
		t.Fatal("expected Done to be closed for an idle supervisor")
	}
}

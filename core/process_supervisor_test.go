package core

import (
	"testing"
	"time"

	"github.com/restakeops/operator/internal/testutil"
)

func TestProcessSupervisorSpawnAndFinish(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	ps := NewProcessSupervisor(nil)
	handle, err := ps.Spawn(SpawnSpec{
		BinaryPath: "/bin/sh",
		Args:       []string{"-c", "exit 0"},
		WorkDir:    sb.Root,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		status := handle.Status()
		if status == StatusFinished {
			break
		}
		if status == StatusError {
			t.Fatalf("expected clean exit, got StatusError")
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for process to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessSupervisorSpawnNonzeroExit(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	ps := NewProcessSupervisor(nil)
	handle, err := ps.Spawn(SpawnSpec{
		BinaryPath: "/bin/sh",
		Args:       []string{"-c", "exit 1"},
		WorkDir:    sb.Root,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for handle.Status() != StatusError {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for process to fail, status=%v", handle.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessSupervisorAbortStopsRunningProcess(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	ps := NewProcessSupervisor(nil)
	handle, err := ps.Spawn(SpawnSpec{
		BinaryPath: "/bin/sh",
		Args:       []string{"-c", "sleep 30"},
		WorkDir:    sb.Root,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- handle.Abort() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Abort did not return in time")
	}
	if !handle.Status().Terminal() {
		t.Fatalf("expected terminal status after abort, got %v", handle.Status())
	}
}

func TestRotatingSinkTruncatesOversizedFile(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	path := sb.Path("out.log")
	if err := sb.WriteFile("out.log", make([]byte, 100), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := rotatingSink(path, 10)
	if err != nil {
		t.Fatalf("rotatingSink failed: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected truncated file, size=%d", info.Size())
	}
}

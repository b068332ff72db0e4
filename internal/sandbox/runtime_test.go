package sandbox

import (
	"strings"
	"testing"
	"time"
)

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// fakeProcess builds a GuestProcess whose wait blocks until release is
// closed, standing in for the window between SIGKILL and the reap.
func fakeProcess(release <-chan struct{}, killed *int) *GuestProcess {
	return NewGuestProcess(nopWriteCloser{}, strings.NewReader(""),
		func() error {
			if killed != nil {
				*killed++
			}
			return nil
		},
		func() error {
			<-release
			return nil
		},
	)
}

// --- Lifecycle ---

func TestGuestProcess_NotRunningImmediatelyAfterKill(t *testing.T) {
	release := make(chan struct{})
	p := fakeProcess(release, nil)

	if !p.Running() {
		t.Fatal("fresh process should report running")
	}

	// The wait goroutine has not reaped the exit yet; Running must still
	// flip to false the moment Kill returns.
	p.Kill()
	if p.Running() {
		t.Error("Running() = true immediately after Kill, want false")
	}
	if !p.Killed() {
		t.Error("Killed() = false after Kill")
	}

	close(release)
	select {
	case err := <-p.Done():
		if err != nil {
			t.Errorf("exit err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Done() never delivered the exit")
	}
	if p.Running() {
		t.Error("Running() = true after exit reaped")
	}
}

func TestGuestProcess_KillIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	killed := 0
	p := fakeProcess(release, &killed)

	p.Kill()
	p.Kill()
	close(release)
	<-p.Done()

	if killed != 1 {
		t.Errorf("kill invoked %d times, want 1", killed)
	}
}

func TestGuestProcess_CrashObservableWithoutKill(t *testing.T) {
	release := make(chan struct{})
	p := fakeProcess(release, nil)

	close(release)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never delivered the exit")
	}

	if p.Running() {
		t.Error("Running() = true after the process exited on its own")
	}
	if p.Killed() {
		t.Error("Killed() = true for an exit the host never requested")
	}
}

package dispatcher

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/ipc"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
)

// TestMain lets this test binary double as the fake Worker it spawns:
// when invoked with FLEETRUNNER_FAKE_WORKER=1 it dials the socket named by
// --pipeIn, waits for a NewJobRequest, optionally waits for a CancelRequest,
// and exits with a code controlled by FLEETRUNNER_FAKE_WORKER_EXIT.
func TestMain(m *testing.M) {
	if os.Getenv("FLEETRUNNER_FAKE_WORKER") == "1" {
		os.Exit(runFakeWorker())
	}
	os.Exit(m.Run())
}

func runFakeWorker() int {
	if os.Getenv("FLEETRUNNER_FAKE_WORKER_NO_CONNECT") == "1" {
		time.Sleep(10 * time.Second)
		return 9
	}

	var pipeIn string
	for i, arg := range os.Args {
		if arg == "--pipeIn" && i+1 < len(os.Args) {
			pipeIn = os.Args[i+1]
		}
	}
	if pipeIn == "" {
		return 9
	}

	channel, err := ipc.Dial(pipeIn)
	if err != nil {
		return 9
	}
	defer channel.Close()

	msg, err := channel.Receive()
	if err != nil || msg.Type != ipc.NewJobRequest {
		return 9
	}

	if os.Getenv("FLEETRUNNER_FAKE_WORKER_IGNORE_CANCEL") == "1" {
		time.Sleep(10 * time.Second)
		return 9
	}

	if os.Getenv("FLEETRUNNER_FAKE_WORKER_AWAIT_CANCEL") == "1" {
		if _, err := channel.Receive(); err != nil {
			return 9
		}
	}

	exitCode := 0
	if v := os.Getenv("FLEETRUNNER_FAKE_WORKER_EXIT"); v != "" {
		switch v {
		case "succeeded":
			exitCode = taskresult.ToReturnCode(taskresult.Succeeded)
		case "failed":
			exitCode = taskresult.ToReturnCode(taskresult.Failed)
		case "canceled":
			exitCode = taskresult.ToReturnCode(taskresult.Canceled)
		}
	}
	return exitCode
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// selfBinary returns the path to this compiled test binary, which TestMain
// re-dispatches into fake-Worker behavior when the environment variable is
// set, per the standard os/exec self-re-exec testing technique.
func selfBinary(t *testing.T) string {
	t.Helper()
	bin, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable: %v", err)
	}
	return bin
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(config.DispatcherConfig{
		WorkerBinary:  selfBinary(t),
		AcceptTimeout: 2 * time.Second,
		CancelGrace:   500 * time.Millisecond,
		SocketDir:     t.TempDir(),
	}, testLog())
	return d
}

func withFakeWorkerEnv(t *testing.T, kv ...string) {
	t.Helper()
	t.Setenv("FLEETRUNNER_FAKE_WORKER", "1")
	for i := 0; i+1 < len(kv); i += 2 {
		t.Setenv(kv[i], kv[i+1])
	}
}

func sampleJob() types.JobMessage {
	return types.JobMessage{JobID: "job-1", PlanID: "plan-1"}
}

func TestDispatchSucceedsWhenWorkerReportsSucceeded(t *testing.T) {
	withFakeWorkerEnv(t, "FLEETRUNNER_FAKE_WORKER_EXIT", "succeeded")
	d := newDispatcher(t)

	reason := make(chan ShutdownReason)
	handle, err := d.Dispatch(context.Background(), sampleJob(), reason)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handle.Result != taskresult.Succeeded {
		t.Errorf("Result = %v, want Succeeded", handle.Result)
	}
}

func TestDispatchMapsNonZeroExitToFailed(t *testing.T) {
	withFakeWorkerEnv(t, "FLEETRUNNER_FAKE_WORKER_EXIT", "failed")
	d := newDispatcher(t)

	reason := make(chan ShutdownReason)
	handle, err := d.Dispatch(context.Background(), sampleJob(), reason)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handle.Result != taskresult.Failed {
		t.Errorf("Result = %v, want Failed", handle.Result)
	}
}

func TestDispatchSendsCancelRequestAndWaitsForExit(t *testing.T) {
	withFakeWorkerEnv(t,
		"FLEETRUNNER_FAKE_WORKER_EXIT", "canceled",
		"FLEETRUNNER_FAKE_WORKER_AWAIT_CANCEL", "1",
	)
	d := newDispatcher(t)

	reason := make(chan ShutdownReason, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		reason <- UserCancelled
	}()

	handle, err := d.Dispatch(context.Background(), sampleJob(), reason)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handle.Result != taskresult.Canceled {
		t.Errorf("Result = %v, want Canceled", handle.Result)
	}
}

func TestDispatchForceKillsAfterGraceWindow(t *testing.T) {
	withFakeWorkerEnv(t, "FLEETRUNNER_FAKE_WORKER_IGNORE_CANCEL", "1")
	d := newDispatcher(t)
	d.cfg.CancelGrace = 200 * time.Millisecond

	reason := make(chan ShutdownReason, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		reason <- UserCancelled
	}()

	start := time.Now()
	handle, err := d.Dispatch(context.Background(), sampleJob(), reason)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handle.Result != taskresult.Canceled {
		t.Errorf("Result = %v, want Canceled", handle.Result)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dispatch took %v, grace window should have forced an earlier exit", elapsed)
	}
}

func TestAcceptTimeoutKillsWorkerAndFails(t *testing.T) {
	withFakeWorkerEnv(t, "FLEETRUNNER_FAKE_WORKER_NO_CONNECT", "1")
	d := New(config.DispatcherConfig{
		WorkerBinary:  selfBinary(t),
		AcceptTimeout: 100 * time.Millisecond,
		CancelGrace:   500 * time.Millisecond,
		SocketDir:     t.TempDir(),
	}, testLog())

	reason := make(chan ShutdownReason)
	handle, err := d.Dispatch(context.Background(), sampleJob(), reason)
	if err == nil {
		t.Fatal("Dispatch: expected an error on accept timeout")
	}
	if handle.Result != taskresult.Failed {
		t.Errorf("Result = %v, want Failed", handle.Result)
	}
}

func TestDispatchRejectsConcurrentCalls(t *testing.T) {
	withFakeWorkerEnv(t,
		"FLEETRUNNER_FAKE_WORKER_AWAIT_CANCEL", "1",
		"FLEETRUNNER_FAKE_WORKER_EXIT", "succeeded",
	)
	d := newDispatcher(t)

	reason := make(chan ShutdownReason, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Dispatch(context.Background(), sampleJob(), reason)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := d.Dispatch(context.Background(), sampleJob(), make(chan ShutdownReason))
	if err == nil {
		t.Error("expected an error dispatching while a job is already in flight")
	}

	reason <- UserCancelled
	<-done
}

package ipc_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"sidechain/internal/daemon"
	"sidechain/internal/history"
	"sidechain/internal/ipc"
	"sidechain/internal/logging"
	"sidechain/internal/testsupport"
)

type harness struct {
	daemon *daemon.Daemon
	store  *history.Store
	prov   *testsupport.FakeProvider
	client *ipc.Client
}

func newHarness(t *testing.T, prov *testsupport.FakeProvider) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)

	store, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	d, err := daemon.New(cfg, prov, store, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server, err := ipc.NewServer(ctx, cfg.SocketPath(), d, logging.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.Serve()
	t.Cleanup(server.Close)

	client, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &harness{daemon: d, store: store, prov: prov, client: client}
}

func TestStartStatusStopRoundTrip(t *testing.T) {
	prov := testsupport.NewFakeProvider(testsupport.NewFakeSession("vlc", "pri-1", 1.0))
	h := newHarness(t, prov)

	started, err := h.client.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started.Started {
		t.Fatalf("start refused: %s", started.Message)
	}

	status, err := h.client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running status")
	}
	if status.PriorityProcess != "vlc" {
		t.Fatalf("priority process = %q", status.PriorityProcess)
	}
	if status.RunID == "" {
		t.Fatal("expected run id")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", status.PID, os.Getpid())
	}
	if len(status.Dependencies) == 0 {
		t.Fatal("expected dependency statuses")
	}

	stopped, err := h.client.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !stopped.Stopped {
		t.Fatal("expected stop acknowledgement")
	}

	status, err = h.client.Status()
	if err != nil {
		t.Fatalf("status after stop: %v", err)
	}
	if status.Running {
		t.Fatal("expected stopped status")
	}
}

func TestStartReportsProviderFailure(t *testing.T) {
	prov := testsupport.NewFakeProvider()
	prov.SetError(errors.New("pulse unreachable"))
	h := newHarness(t, prov)

	started, err := h.client.Start()
	if err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	if started.Started {
		t.Fatal("expected start to be refused")
	}
	if started.Message == "" {
		t.Fatal("expected failure message")
	}
}

func TestSessionsRPC(t *testing.T) {
	pri := testsupport.NewFakeSession("vlc", "pri-1", 1.0)
	other := testsupport.NewFakeSession("spotify", "other-1", 0.6)
	other.SetPeak(0.2)
	h := newHarness(t, testsupport.NewFakeProvider(pri, other))

	resp, err := h.client.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	got := resp.Sessions[1]
	if got.ProcessName != "spotify" || got.Key != "other-1" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Volume != 0.6 || got.Peak != 0.2 {
		t.Fatalf("levels not passed through: %+v", got)
	}
}

func TestHistoryRPC(t *testing.T) {
	h := newHarness(t, testsupport.NewFakeProvider())

	ctx := context.Background()
	if _, err := h.store.Record(ctx, history.Event{
		RunID:     "run-1",
		EventType: "started",
		Message:   "audio ducking started",
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	list, err := h.client.HistoryList(10)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if len(list.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(list.Events))
	}
	ev := list.Events[0]
	if ev.RunID != "run-1" || ev.EventType != "started" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.CreatedAt == "" {
		t.Fatal("expected formatted timestamp")
	}

	cleared, err := h.client.HistoryClear()
	if err != nil {
		t.Fatalf("history clear: %v", err)
	}
	if cleared.Removed != 1 {
		t.Fatalf("removed = %d, want 1", cleared.Removed)
	}
}

func TestLogTailRPC(t *testing.T) {
	h := newHarness(t, testsupport.NewFakeProvider())

	logPath := h.daemon.LogPath()
	if err := os.WriteFile(logPath, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	resp, err := h.client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("log tail: %v", err)
	}
	if len(resp.Lines) != 1 || resp.Lines[0] != "line two" {
		t.Fatalf("unexpected lines: %#v", resp.Lines)
	}
	if resp.Offset == 0 {
		t.Fatal("expected offset to advance")
	}
}

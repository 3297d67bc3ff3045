package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

type fakeManager struct {
	broadcaster *backutil.Broadcaster
	status      []backutil.SetStatus

	triggerErr error
	triggerAll func() ([]string, []backutil.FailedSet)

	pruneResult uint64
	pruneErr    error
	pruneAll    func() ([]backutil.PrunedSet, []backutil.FailedSet)

	mountPath string
	mountErr  error
	unmountErr error

	snapshots []backutil.SnapshotInfo
	snapErr   error
}

func newFakeManager() *fakeManager {
	return &fakeManager{broadcaster: backutil.NewBroadcaster()}
}

func (f *fakeManager) Subscribe() *backutil.Subscription { return f.broadcaster.Subscribe() }
func (f *fakeManager) Status() []backutil.SetStatus       { return f.status }

func (f *fakeManager) TriggerBackup(setName string) error { return f.triggerErr }

func (f *fakeManager) TriggerAllBackups() ([]string, []backutil.FailedSet) {
	if f.triggerAll != nil {
		return f.triggerAll()
	}
	return nil, nil
}

func (f *fakeManager) Prune(ctx context.Context, setName string) (uint64, error) {
	return f.pruneResult, f.pruneErr
}

func (f *fakeManager) PruneAll(ctx context.Context) ([]backutil.PrunedSet, []backutil.FailedSet) {
	if f.pruneAll != nil {
		return f.pruneAll()
	}
	return nil, nil
}

func (f *fakeManager) Mount(ctx context.Context, setName, snapshotID string) (string, error) {
	return f.mountPath, f.mountErr
}

func (f *fakeManager) Unmount(ctx context.Context, setName *string) error { return f.unmountErr }

func (f *fakeManager) Snapshots(ctx context.Context, setName string, limit int) ([]backutil.SnapshotInfo, error) {
	return f.snapshots, f.snapErr
}

type fakeReloader struct{ err error }

func (f *fakeReloader) Reload(ctx context.Context) error { return f.err }

func startTestServer(t *testing.T, fm *fakeManager, shutdownFunc func()) (net.Conn, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "backutil.sock")
	srv := New(testLogger(), sockPath, fm, &fakeReloader{}, shutdownFunc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		cancel()
		<-done
	}
	return conn, cleanup
}

func sendRequest(t *testing.T, conn net.Conn, reader *bufio.Reader, req backutil.Request) backutil.Response {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	var resp backutil.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestServer_Ping(t *testing.T) {
	conn, cleanup := startTestServer(t, newFakeManager(), func() {})
	defer cleanup()

	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqPing})
	assert.Equal(t, backutil.RespPong, resp.Kind)
}

func TestServer_Status(t *testing.T) {
	fm := newFakeManager()
	fm.status = []backutil.SetStatus{{Name: "home"}}
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqStatus})
	assert.Equal(t, backutil.RespStatus, resp.Kind)
}

func TestServer_BackupSingleSet(t *testing.T) {
	fm := newFakeManager()
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	name := "home"
	payload, _ := json.Marshal(backutil.BackupPayload{SetName: &name})
	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqBackup, Payload: payload})
	assert.Equal(t, backutil.RespBackupStarted, resp.Kind)
}

func TestServer_BackupSingleSet_UnknownSetReturnsError(t *testing.T) {
	fm := newFakeManager()
	fm.triggerErr = fmt.Errorf("unknown backup set")
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	name := "ghost"
	payload, _ := json.Marshal(backutil.BackupPayload{SetName: &name})
	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqBackup, Payload: payload})
	require.NotNil(t, resp.Error)
	assert.Equal(t, backutil.ErrUnknownSet, resp.Error.Code)
}

func TestServer_BackupAllSets(t *testing.T) {
	fm := newFakeManager()
	fm.triggerAll = func() ([]string, []backutil.FailedSet) { return []string{"a", "b"}, nil }
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqBackup})
	assert.Equal(t, backutil.RespBackupsTriggered, resp.Kind)
}

func TestServer_PruneSingleSet(t *testing.T) {
	fm := newFakeManager()
	fm.pruneResult = 2048
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	name := "home"
	payload, _ := json.Marshal(backutil.BackupPayload{SetName: &name})
	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqPrune, Payload: payload})
	assert.Equal(t, backutil.RespPruneResult, resp.Kind)
}

func TestServer_Mount(t *testing.T) {
	fm := newFakeManager()
	fm.mountPath = "/var/lib/backutil/mounts/home"
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	payload, _ := json.Marshal(backutil.MountPayload{SetName: "home"})
	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqMount, Payload: payload})
	assert.Equal(t, backutil.RespMountPath, resp.Kind)
}

func TestServer_Unmount(t *testing.T) {
	fm := newFakeManager()
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqUnmount})
	assert.Equal(t, backutil.RespOk, resp.Kind)
}

func TestServer_Snapshots(t *testing.T) {
	fm := newFakeManager()
	fm.snapshots = []backutil.SnapshotInfo{{ID: "abc"}}
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	payload, _ := json.Marshal(backutil.SnapshotsPayload{SetName: "home"})
	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqSnapshots, Payload: payload})
	assert.Equal(t, backutil.RespSnapshots, resp.Kind)
}

func TestServer_ReloadConfig(t *testing.T) {
	fm := newFakeManager()
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	resp := sendRequest(t, conn, bufio.NewReader(conn), backutil.Request{Type: backutil.ReqReloadConfig})
	assert.Equal(t, backutil.RespOk, resp.Kind)
}

func TestServer_Shutdown_InvokesCallbackAndClosesConnection(t *testing.T) {
	fm := newFakeManager()
	called := make(chan struct{})
	conn, cleanup := startTestServer(t, fm, func() { close(called) })
	defer cleanup()

	reader := bufio.NewReader(conn)
	resp := sendRequest(t, conn, reader, backutil.Request{Type: backutil.ReqShutdown})
	assert.Equal(t, backutil.RespOk, resp.Kind)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}

func TestServer_InvalidJSON_ReturnsInvalidRequestError(t *testing.T) {
	fm := newFakeManager()
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	_, err := conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	var resp backutil.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, backutil.ErrInvalidRequest, resp.Error.Code)
}

func TestServer_ContextCancel_RepliesBeforeClosing(t *testing.T) {
	fm := newFakeManager()
	sockPath := filepath.Join(t.TempDir(), "backutil.sock")
	srv := New(testLogger(), sockPath, fm, &fakeReloader{}, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	// Let the connection goroutine reach its idle select before shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	var resp backutil.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, backutil.ErrDaemonBusy, resp.Error.Code)

	<-done
}

func TestServer_BroadcastEventIsDeliveredToConnectedClient(t *testing.T) {
	fm := newFakeManager()
	conn, cleanup := startTestServer(t, fm, func() {})
	defer cleanup()

	reader := bufio.NewReader(conn)
	// Give the connection goroutine time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	fm.broadcaster.Publish(backutil.Event{Kind: backutil.EventBackupStarted, Data: backutil.BackupStartedEvent{Set: "home"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var ev backutil.Event
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, backutil.EventBackupStarted, ev.Kind)
}

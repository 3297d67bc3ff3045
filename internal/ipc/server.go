// Package ipc serves the daemon's control protocol over a Unix domain
// socket: one line of JSON in, one line of JSON out per request, plus
// asynchronous lifecycle events interleaved on the same connection.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/rs/zerolog"
)

// JobManager is the subset of *jobmanager.Manager the IPC server drives.
type JobManager interface {
	Subscribe() *backutil.Subscription
	Status() []backutil.SetStatus
	TriggerBackup(setName string) error
	TriggerAllBackups() (started []string, failed []backutil.FailedSet)
	Prune(ctx context.Context, setName string) (uint64, error)
	PruneAll(ctx context.Context) (succeeded []backutil.PrunedSet, failed []backutil.FailedSet)
	Mount(ctx context.Context, setName, snapshotID string) (string, error)
	Unmount(ctx context.Context, setName *string) error
	Snapshots(ctx context.Context, setName string, limit int) ([]backutil.SnapshotInfo, error)
}

// ConfigReloader requests a configuration reload and reports whether one
// was actually accepted (a malformed file on disk is reported as an error,
// not applied).
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

// Server accepts connections on a Unix socket and dispatches each line of
// JSON it reads to the job manager, writing back one response line per
// request plus any broadcast events that arrive while the connection is
// open.
type Server struct {
	socketPath string
	manager    JobManager
	reloader   ConfigReloader
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	shutdownFunc func()
}

// New creates a Server bound to socketPath. shutdownFunc is invoked from the
// connection goroutine each time a client sends a Shutdown request, so it
// must be safe to call more than once; it should cancel the daemon's root
// context.
func New(logger zerolog.Logger, socketPath string, manager JobManager, reloader ConfigReloader, shutdownFunc func()) *Server {
	return &Server{
		socketPath:   socketPath,
		manager:      manager,
		reloader:     reloader,
		logger:       logger,
		shutdownFunc: shutdownFunc,
	}
}

// Serve binds the socket and accepts connections until ctx is cancelled or
// Close is called. It removes any stale socket file left by a prior crash
// before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn().Err(err).Msg("could not restrict socket permissions")
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info().Str("socket", s.socketPath).Msg("ipc server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error().Err(err).Msg("accepting ipc connection")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return os.RemoveAll(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sub := s.manager.Subscribe()
	defer sub.Unsubscribe()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	enc := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			resp := backutil.ErrResponse(backutil.ErrDaemonBusy, fmt.Errorf("daemon is shutting down"))
			if err := enc.Encode(resp); err != nil {
				s.logger.Debug().Err(err).Msg("writing shutdown response")
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if len(line) == 0 {
				continue
			}
			resp, shutdown := s.dispatch(ctx, line)
			if err := enc.Encode(resp); err != nil {
				s.logger.Debug().Err(err).Msg("writing ipc response")
				return
			}
			if shutdown {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug().Err(err).Msg("writing ipc event")
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line string) (backutil.Response, bool) {
	req, err := backutil.ParseRequest([]byte(line))
	if err != nil {
		return backutil.ErrResponse(backutil.ErrInvalidRequest, err), false
	}

	switch req.Type {
	case backutil.ReqPing:
		return backutil.Response{Kind: backutil.RespPong}, false

	case backutil.ReqStatus:
		return backutil.Response{Kind: backutil.RespStatus, Data: backutil.StatusData{Sets: s.manager.Status()}}, false

	case backutil.ReqBackup:
		return s.dispatchBackup(req), false

	case backutil.ReqPrune:
		return s.dispatchPrune(ctx, req), false

	case backutil.ReqSnapshots:
		return s.dispatchSnapshots(ctx, req), false

	case backutil.ReqMount:
		return s.dispatchMount(ctx, req), false

	case backutil.ReqUnmount:
		return s.dispatchUnmount(ctx, req), false

	case backutil.ReqReloadConfig:
		return s.dispatchReloadConfig(ctx), false

	case backutil.ReqShutdown:
		if s.shutdownFunc != nil {
			s.shutdownFunc()
		}
		return backutil.OkResponse(), true

	default:
		return backutil.ErrResponse(backutil.ErrInvalidRequest, fmt.Errorf("unknown request type %q", req.Type)), false
	}
}

func (s *Server) dispatchBackup(req backutil.Request) backutil.Response {
	var payload backutil.BackupPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
		}
	}

	if payload.SetName != nil {
		if err := s.manager.TriggerBackup(*payload.SetName); err != nil {
			return backutil.ErrResponse(backutil.ErrUnknownSet, err)
		}
		return backutil.Response{Kind: backutil.RespBackupStarted, Data: backutil.BackupStartedData{SetName: *payload.SetName}}
	}

	started, failed := s.manager.TriggerAllBackups()
	return backutil.Response{Kind: backutil.RespBackupsTriggered, Data: backutil.BackupsTriggeredData{Started: started, Failed: failed}}
}

func (s *Server) dispatchPrune(ctx context.Context, req backutil.Request) backutil.Response {
	var payload backutil.BackupPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
		}
	}

	if payload.SetName != nil {
		reclaimed, err := s.manager.Prune(ctx, *payload.SetName)
		if err != nil {
			return backutil.ErrResponse(backutil.ErrResticError, err)
		}
		return backutil.Response{Kind: backutil.RespPruneResult, Data: backutil.PruneResultData{SetName: *payload.SetName, ReclaimedBytes: reclaimed}}
	}

	succeeded, failed := s.manager.PruneAll(ctx)
	return backutil.Response{Kind: backutil.RespPrunesTriggered, Data: backutil.PrunesTriggeredData{Succeeded: succeeded, Failed: failed}}
}

func (s *Server) dispatchSnapshots(ctx context.Context, req backutil.Request) backutil.Response {
	var payload backutil.SnapshotsPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
	}
	limit := 0
	if payload.Limit != nil {
		limit = *payload.Limit
	}
	snaps, err := s.manager.Snapshots(ctx, payload.SetName, limit)
	if err != nil {
		return backutil.ErrResponse(backutil.ErrResticError, err)
	}
	return backutil.Response{Kind: backutil.RespSnapshots, Data: backutil.SnapshotsData{Snapshots: snaps}}
}

func (s *Server) dispatchMount(ctx context.Context, req backutil.Request) backutil.Response {
	var payload backutil.MountPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
	}
	snapshotID := "latest"
	if payload.SnapshotID != nil {
		snapshotID = *payload.SnapshotID
	}
	path, err := s.manager.Mount(ctx, payload.SetName, snapshotID)
	if err != nil {
		return backutil.ErrResponse(backutil.ErrMountFailed, err)
	}
	return backutil.Response{Kind: backutil.RespMountPath, Data: backutil.MountPathData{Path: path}}
}

func (s *Server) dispatchUnmount(ctx context.Context, req backutil.Request) backutil.Response {
	var payload backutil.BackupPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
		}
	}
	if err := s.manager.Unmount(ctx, payload.SetName); err != nil {
		return backutil.ErrResponse(backutil.ErrNotMounted, err)
	}
	return backutil.OkResponse()
}

func (s *Server) dispatchReloadConfig(ctx context.Context) backutil.Response {
	if s.reloader == nil {
		return backutil.OkResponse()
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return backutil.ErrResponse(backutil.ErrInvalidRequest, err)
	}
	return backutil.OkResponse()
}

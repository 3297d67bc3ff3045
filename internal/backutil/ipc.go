package backutil

import (
	"encoding/json"
	"fmt"
)

// RequestType tags an inbound IPC frame.
type RequestType string

const (
	ReqPing         RequestType = "Ping"
	ReqStatus       RequestType = "Status"
	ReqBackup       RequestType = "Backup"
	ReqPrune        RequestType = "Prune"
	ReqSnapshots    RequestType = "Snapshots"
	ReqMount        RequestType = "Mount"
	ReqUnmount      RequestType = "Unmount"
	ReqReloadConfig RequestType = "ReloadConfig"
	ReqShutdown     RequestType = "Shutdown"
)

// Request is one line of the IPC protocol, sent client -> daemon.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BackupPayload is the payload of a Backup or Prune or Unmount request.
type BackupPayload struct {
	SetName *string `json:"set_name,omitempty"`
}

// SnapshotsPayload is the payload of a Snapshots request.
type SnapshotsPayload struct {
	SetName string `json:"set_name"`
	Limit   *int   `json:"limit,omitempty"`
}

// MountPayload is the payload of a Mount request.
type MountPayload struct {
	SetName    string  `json:"set_name"`
	SnapshotID *string `json:"snapshot_id,omitempty"`
}

// ResponseKind tags the data carried by a successful Response.
type ResponseKind string

const (
	RespPong             ResponseKind = "Pong"
	RespStatus           ResponseKind = "Status"
	RespSnapshots        ResponseKind = "Snapshots"
	RespBackupStarted    ResponseKind = "BackupStarted"
	RespBackupsTriggered ResponseKind = "BackupsTriggered"
	RespMountPath        ResponseKind = "MountPath"
	RespPruneResult      ResponseKind = "PruneResult"
	RespPrunesTriggered  ResponseKind = "PrunesTriggered"
	RespOk               ResponseKind = "Ok"
)

// Response is one line of the IPC protocol, sent daemon -> client, whether a
// synchronous reply or an asynchronous broadcast event.
type Response struct {
	Kind  ResponseKind `json:"kind"`
	Data  any          `json:"data,omitempty"`
	Error *ErrorBody   `json:"error,omitempty"`
}

// ErrorBody is the payload of a failed Response.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorCode is a stable machine-readable IPC error discriminator.
type ErrorCode string

const (
	ErrUnknownSet       ErrorCode = "UnknownSet"
	ErrBackupFailed     ErrorCode = "BackupFailed"
	ErrResticError      ErrorCode = "ResticError"
	ErrMountFailed      ErrorCode = "MountFailed"
	ErrNotMounted       ErrorCode = "NotMounted"
	ErrDaemonBusy       ErrorCode = "DaemonBusy"
	ErrInvalidRequest   ErrorCode = "InvalidRequest"
	ErrInvalidRetention ErrorCode = "InvalidRetention"
)

// OkResponse builds a bare success reply with no data.
func OkResponse() Response {
	return Response{Kind: RespOk}
}

// ErrResponse builds a tagged error reply.
func ErrResponse(code ErrorCode, err error) Response {
	return Response{Error: &ErrorBody{Code: code, Message: err.Error()}}
}

// StatusData is the Data payload of a Status reply.
type StatusData struct {
	Sets []SetStatus `json:"sets"`
}

// SnapshotsData is the Data payload of a Snapshots reply.
type SnapshotsData struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// BackupStartedData is the Data payload of a single-set Backup reply.
type BackupStartedData struct {
	SetName string `json:"set_name"`
}

// FailedSet pairs a set name with the error it failed with.
type FailedSet struct {
	SetName string `json:"set_name"`
	Error   string `json:"error"`
}

// BackupsTriggeredData is the Data payload of an all-sets Backup reply.
type BackupsTriggeredData struct {
	Started []string    `json:"started"`
	Failed  []FailedSet `json:"failed"`
}

// MountPathData is the Data payload of a Mount reply.
type MountPathData struct {
	Path string `json:"path"`
}

// PruneResultData is the Data payload of a single-set Prune reply.
type PruneResultData struct {
	SetName        string `json:"set_name"`
	ReclaimedBytes uint64 `json:"reclaimed_bytes"`
}

// PrunedSet pairs a set name with the bytes it reclaimed.
type PrunedSet struct {
	SetName        string `json:"set_name"`
	ReclaimedBytes uint64 `json:"reclaimed_bytes"`
}

// PrunesTriggeredData is the Data payload of an all-sets Prune reply.
type PrunesTriggeredData struct {
	Succeeded []PrunedSet `json:"succeeded"`
	Failed    []FailedSet `json:"failed"`
}

// EventType tags an asynchronous broadcast event.
type EventType string

const (
	EventBackupStarted  EventType = "BackupStarted"
	EventBackupComplete EventType = "BackupComplete"
	EventBackupFailed   EventType = "BackupFailed"
	EventPruneComplete  EventType = "PruneComplete"
)

// Event is an asynchronous lifecycle notification broadcast to every
// connected IPC client, framed identically to a Response with Kind set to
// the EventType and Data to the matching *EventData struct.
type Event struct {
	Kind EventType `json:"kind"`
	Data any       `json:"data"`
}

// BackupStartedEvent is the Data of an EventBackupStarted.
type BackupStartedEvent struct {
	Set string `json:"set"`
}

// BackupCompleteEvent is the Data of an EventBackupComplete.
type BackupCompleteEvent struct {
	Set        string  `json:"set"`
	SnapshotID string  `json:"snapshot_id"`
	AddedBytes uint64  `json:"added_bytes"`
	DurationS  float64 `json:"duration_secs"`
}

// BackupFailedEvent is the Data of an EventBackupFailed.
type BackupFailedEvent struct {
	Set   string `json:"set"`
	Error string `json:"error"`
}

// PruneCompleteEvent is the Data of an EventPruneComplete.
type PruneCompleteEvent struct {
	Set            string `json:"set"`
	ReclaimedBytes uint64 `json:"reclaimed_bytes"`
}

// ParseRequest decodes one newline-delimited JSON frame into a Request.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("parsing request: %w", err)
	}
	return req, nil
}

// Package ipc implements the newline-delimited JSON wire protocol and the
// fan-out server/client that speak it over a TCP loopback socket.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordType discriminates every record that crosses the wire, in either
// direction.
type RecordType string

const (
	TypeHello             RecordType = "hello"
	TypeSnapshot          RecordType = "snapshot"
	TypeTaskSpawned       RecordType = "task_spawned"
	TypeTaskCompleted     RecordType = "task_completed"
	TypeTaskFailed        RecordType = "task_failed"
	TypeTaskProgress      RecordType = "task_progress"
	TypeBoardStateChanged RecordType = "board_state_changed"
	TypeLog               RecordType = "log"
	TypeResponse          RecordType = "response"

	// Inbound command types.
	TypePause    RecordType = "pause"
	TypeResume   RecordType = "resume"
	TypeKill     RecordType = "kill"
	TypeShutdown RecordType = "shutdown"
	TypeStatus   RecordType = "status"
)

// BoardState buckets task ids by board state for a snapshot.
type BoardState struct {
	Ready       []string `json:"ready"`
	InProgress  []string `json:"in_progress"`
	Review      []string `json:"review"`
	Blocked     []string `json:"blocked"`
	Human       []string `json:"human"`
	Done        []string `json:"done"`
}

// Snapshot is a point-in-time view of board state and health.
type Snapshot struct {
	BoardState     BoardState  `json:"board_state"`
	AgentsHealth   interface{} `json:"agents_health"`
	ProcessSummary interface{} `json:"process_summary"`
}

// Record is the single envelope every wire line decodes into. Only the
// fields relevant to Type are populated; the rest are zero/omitted. One
// flexible struct (rather than an interface-payload design) keeps
// encode/decode a single json.Marshal/Unmarshal call per line, matching the
// line-delimited, no-embedded-newlines wire contract.
type Record struct {
	Type       RecordType `json:"type"`
	InstanceID string     `json:"instance_id"`
	Timestamp  string     `json:"timestamp"`

	// hello
	Version string `json:"version,omitempty"`

	// snapshot, board_state_changed
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// task_spawned, task_completed, task_failed, task_progress
	TaskID     string `json:"task_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Agent      string `json:"agent,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// inbound commands / response
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewRecord stamps a Record with instanceID and the current time.
func NewRecord(instanceID string, t RecordType) Record {
	return Record{Type: t, InstanceID: instanceID, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// Validate checks the fields every record must carry regardless of type.
func (r *Record) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("record missing type")
	}
	if r.InstanceID == "" {
		return fmt.Errorf("record missing instance_id")
	}
	if r.Timestamp == "" {
		return fmt.Errorf("record missing timestamp")
	}
	return nil
}

// NewInstanceID generates a UUIDv4 identifying one daemon process, carried
// on every record it emits.
func NewInstanceID() string {
	return uuid.New().String()
}

// Encode serializes r as a single line terminated by \n, matching the
// line-delimited, no-embedded-newline wire format.
func Encode(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single wire line (without its trailing newline) into a
// Record.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

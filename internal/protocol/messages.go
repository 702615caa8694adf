package protocol

import "time"

// Control actions understood by the orchestrator and the worker.
const (
	ActionToggle    = "toggle"
	ActionGetStatus = "getStatus"
	ActionStart     = "start"
	ActionStop      = "stop"
)

// Event types emitted by the worker and relayed to hosts.
const (
	TypePartial = "partial"
	TypeResult  = "result"
	TypeStatus  = "status"
)

// Status states carried by TypeStatus events.
const (
	StatusDownloadingModel = "downloading_model"
	StatusRequestingMic    = "requesting_mic"
	StatusStartingAudio    = "starting_audio"
	StatusRecording        = "recording"
	StatusStopped          = "stopped"
	StatusError            = "error"
)

// ControlRequest is sent by controllers to the orchestrator and by the
// orchestrator to the worker.
type ControlRequest struct {
	Action string `json:"action"`
}

// ControlResponse answers a ControlRequest. Error is set instead of OK on failure.
type ControlResponse struct {
	OK        bool   `json:"ok,omitempty"`
	Recording *bool  `json:"recording,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is a transcript or status message. Transcript events carry Text,
// status events carry State and optionally Message.
type Event struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

func Partial(text string) Event { return Event{Type: TypePartial, Text: text} }

func Result(text string) Event { return Event{Type: TypeResult, Text: text} }

func Status(state string) Event { return Event{Type: TypeStatus, State: state} }

func StatusErr(message string) Event {
	return Event{Type: TypeStatus, State: StatusError, Message: message}
}

// HostAnnouncement is published by a host surface whenever its focus or
// activity changes.
type HostAnnouncement struct {
	HostID    string    `json:"host_id"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	Focused   bool      `json:"focused"`
	Timestamp time.Time `json:"timestamp"`
}

// HostHeartbeat keeps a host registered with the orchestrator.
type HostHeartbeat struct {
	HostID    string    `json:"host_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusSnapshot is broadcast to controller surfaces after every status change.
type StatusSnapshot struct {
	State      string    `json:"state"`
	Recording  bool      `json:"recording"`
	BadgeText  string    `json:"badge_text"`
	BadgeColor string    `json:"badge_color"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectControl        = "dictation.control"
	SubjectWorkerControl  = "dictation.worker.control"
	SubjectWorkerEvents   = "dictation.worker.events"
	SubjectHostAnnounce   = "dictation.host.announce"
	SubjectHostHeartbeat  = "dictation.host.heartbeat"
	SubjectHostEventsRoot = "dictation.host"
	SubjectStatus         = "dictation.status"
)

// HostEventsSubject is the subject a single host listens on for relayed events.
func HostEventsSubject(hostID string) string {
	return SubjectHostEventsRoot + "." + hostID + ".events"
}

// HostHeartbeatSubject is the per-host heartbeat subject.
func HostHeartbeatSubject(hostID string) string {
	return SubjectHostHeartbeat + "." + hostID
}

func BoolPtr(b bool) *bool { return &b }

package core

import "github.com/book-expert/events"

// SynthesisRequestedEvent asks the service to synthesize one talking-head
// video. Script text travels inline; media travels by object-store key.
type SynthesisRequestedEvent struct {
	Header    events.EventHeader `json:"header"`
	Text      string             `json:"text"`
	VoiceKey  string             `json:"voice_key,omitempty"`
	SourceKey string             `json:"source_key"`
	OutputKey string             `json:"output_key"`
	TargetFPS float64            `json:"target_fps,omitempty"`
}

// JobProgressEvent is published on every job status transition.
type JobProgressEvent struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id"`
	Status JobStatus          `json:"status"`
	Stage  string             `json:"stage,omitempty"`
}

// SynthesisCompletedEvent is the terminal reply for a synthesis request.
type SynthesisCompletedEvent struct {
	Header    events.EventHeader `json:"header"`
	JobID     string             `json:"job_id"`
	OutputKey string             `json:"output_key,omitempty"`
	Status    JobStatus          `json:"status"`
	Warnings  []string           `json:"warnings,omitempty"`
	ErrorKind ErrorKind          `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
}

package core

import "github.com/book-expert/events"

// VoiceSwapRequestedEvent asks a worker to voice-swap the song stored under InputKey.
type VoiceSwapRequestedEvent struct {
	Header           events.EventHeader `json:"header"`
	InputKey         string             `json:"input_key"`
	FileName         string             `json:"file_name"`
	VocalGain        float64            `json:"vocal_gain,omitempty"`
	InstrumentalGain float64            `json:"instrumental_gain,omitempty"`
}

// VoiceSwapCompletedEvent reports the terminal status of a job.
type VoiceSwapCompletedEvent struct {
	Header    events.EventHeader `json:"header"`
	JobID     string             `json:"job_id"`
	Status    string             `json:"status"`
	ResultKey string             `json:"result_key,omitempty"`
	Error     string             `json:"error,omitempty"`
}

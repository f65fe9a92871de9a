package model

import "time"

type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskStopped   EventType = "task_stopped"
	EventCrawlerLogin  EventType = "crawler_login"
	EventCrawlerError  EventType = "crawler_error"
	EventDataExtracted EventType = "data_extracted"
	EventDataSaved     EventType = "data_saved"
)

// IsError reports whether events of this type describe a failure.
func (t EventType) IsError() bool {
	return t == EventTaskFailed || t == EventCrawlerError
}

// ProgressSnapshot is the current progress of a job. Percent is clamped to
// [0,100] but may go down between updates.
type ProgressSnapshot struct {
	Stage          string    `json:"current_stage"`
	Percent        float64   `json:"progress_percent"`
	ItemsTotal     int       `json:"items_total"`
	ItemsCompleted int       `json:"items_completed"`
	ItemsFailed    int       `json:"items_failed"`
	CurrentItem    string    `json:"current_item,omitempty"`
	ETASeconds     *int      `json:"estimated_remaining_time,omitempty"`
	LastUpdate     time.Time `json:"last_update"`
}

// TaskEvent is one journal entry.
type TaskEvent struct {
	JobID     string           `json:"job_id"`
	Type      EventType        `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Progress  ProgressSnapshot `json:"progress"`
	Error     string           `json:"error,omitempty"`
}

// ProgressUpdate carries the fields a parser or producer wants to change.
// Nil fields keep their current value.
type ProgressUpdate struct {
	Stage          string
	Percent        *float64
	ItemsTotal     *int
	ItemsCompleted *int
	ItemsFailed    *int
	CurrentItem    *string
	Message        string
}

func Float(f float64) *float64 { return &f }
func Int(i int) *int { return &i }
func String(s string) *string { return &s }
func Bool(b bool) *bool { return &b }

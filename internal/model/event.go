package model

import "time"

// EventType identifies a lifecycle notification
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionTimedOut  EventType = "execution_timed_out"
	EventExecutionPaused    EventType = "execution_paused"
	EventExecutionResumed   EventType = "execution_resumed"
	EventExecutionCancelled EventType = "execution_cancelled"
	EventWaveStarted        EventType = "wave_started"
	EventWaveCompleted      EventType = "wave_completed"
	EventWaveFailed         EventType = "wave_failed"
)

// Event is the structured payload emitted to the notification channel
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	Status      string            `json:"status"`
	WaveNumber  *int              `json:"wave_number,omitempty"`
	WaveName    string            `json:"wave_name,omitempty"`
	ServerCount int               `json:"server_count,omitempty"`
	FailedCount int               `json:"failed_count,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Actions     map[string]string `json:"actions,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewExecutionEvent builds an event describing the execution as a whole
func NewExecutionEvent(t EventType, e *Execution) Event {
	return Event{
		Type:        t,
		ExecutionID: e.ExecutionID,
		PlanID:      e.PlanID,
		Status:      string(e.Status),
		Reason:      e.Error,
		ErrorCode:   e.ErrorCode,
	}
}

// NewWaveEvent builds an event describing one wave of the execution
func NewWaveEvent(t EventType, e *Execution, w *Wave) Event {
	n := w.WaveNumber
	ev := Event{
		Type:        t,
		ExecutionID: e.ExecutionID,
		PlanID:      e.PlanID,
		Status:      string(w.Status),
		WaveNumber:  &n,
		WaveName:    w.WaveName,
		ServerCount: len(w.ServerIDs),
		Reason:      w.Error,
		ErrorCode:   w.ErrorCode,
	}
	for _, s := range w.ServerStatuses {
		if s.LaunchStatus.Outcome() == LaunchOutcomeFailed {
			ev.FailedCount++
		}
	}
	return ev
}

package model

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusRunning    ExecutionStatus = "RUNNING"
	ExecutionStatusPolling    ExecutionStatus = "POLLING"
	ExecutionStatusPaused     ExecutionStatus = "PAUSED"
	ExecutionStatusCancelling ExecutionStatus = "CANCELLING"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
	ExecutionStatusTimedOut   ExecutionStatus = "TIMED_OUT"
	ExecutionStatusCancelled  ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible from s
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled:
		return true
	case ExecutionStatusRunning, ExecutionStatusPolling, ExecutionStatusPaused, ExecutionStatusCancelling:
		return false
	}
	panic(fmt.Sprintf("unhandled execution status %q", string(s)))
}

// IsActive reports whether an execution in s may hold servers in a job
func (s ExecutionStatus) IsActive() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusPolling:
		return true
	case ExecutionStatusPaused, ExecutionStatusCancelling,
		ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled:
		return false
	}
	panic(fmt.Sprintf("unhandled execution status %q", string(s)))
}

// ParseExecutionStatus converts a persisted value into an ExecutionStatus
func ParseExecutionStatus(v string) (ExecutionStatus, error) {
	switch s := ExecutionStatus(v); s {
	case ExecutionStatusRunning, ExecutionStatusPolling, ExecutionStatusPaused, ExecutionStatusCancelling,
		ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown execution status %q", v)
}

// WaveStatus represents the state of a single wave
type WaveStatus string

const (
	WaveStatusPending    WaveStatus = "PENDING"
	WaveStatusStarted    WaveStatus = "STARTED"
	WaveStatusInProgress WaveStatus = "IN_PROGRESS"
	WaveStatusCompleted  WaveStatus = "COMPLETED"
	WaveStatusFailed     WaveStatus = "FAILED"
	WaveStatusTimedOut   WaveStatus = "TIMED_OUT"
)

// IsTerminal reports whether the wave has finished
func (s WaveStatus) IsTerminal() bool {
	switch s {
	case WaveStatusCompleted, WaveStatusFailed, WaveStatusTimedOut:
		return true
	case WaveStatusPending, WaveStatusStarted, WaveStatusInProgress:
		return false
	}
	panic(fmt.Sprintf("unhandled wave status %q", string(s)))
}

// ParseWaveStatus converts a persisted value into a WaveStatus
func ParseWaveStatus(v string) (WaveStatus, error) {
	switch s := WaveStatus(v); s {
	case WaveStatusPending, WaveStatusStarted, WaveStatusInProgress,
		WaveStatusCompleted, WaveStatusFailed, WaveStatusTimedOut:
		return s, nil
	}
	return "", fmt.Errorf("unknown wave status %q", v)
}

// Execution is one end-to-end run of a recovery plan
type Execution struct {
	ExecutionID       string          `json:"execution_id"`
	PlanID            string          `json:"plan_id"`
	PlanName          string          `json:"plan_name,omitempty"`
	Status            ExecutionStatus `json:"status"`
	IsDrill           bool            `json:"is_drill"`
	CurrentWaveNumber int             `json:"current_wave_number"`
	TotalWaves        int             `json:"total_waves"`
	Waves             []Wave          `json:"waves"`
	Error             string          `json:"error,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           *time.Time      `json:"end_time,omitempty"`

	// Pause bookkeeping, populated while PAUSED
	ContinuationToken string     `json:"continuation_token,omitempty"`
	PauseReason       string     `json:"pause_reason,omitempty"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PausedBeforeWave  *int       `json:"paused_before_wave,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Revision is advanced by the store on every successful write
	Revision int64 `json:"revision"`
}

// CurrentWave returns the wave at CurrentWaveNumber, or nil once all waves are done
func (e *Execution) CurrentWave() *Wave {
	if e.CurrentWaveNumber < 0 || e.CurrentWaveNumber >= len(e.Waves) {
		return nil
	}
	return &e.Waves[e.CurrentWaveNumber]
}

// AllWavesTerminal reports whether every wave reached a terminal status
func (e *Execution) AllWavesTerminal() bool {
	for i := range e.Waves {
		if !e.Waves[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Fail moves the execution into a terminal failure status
func (e *Execution) Fail(status ExecutionStatus, code, message string, at time.Time) {
	e.Status = status
	e.ErrorCode = code
	e.Error = message
	e.EndTime = &at
}

// Validate checks every status value a decision later switches on
func (e *Execution) Validate() error {
	if _, err := ParseExecutionStatus(string(e.Status)); err != nil {
		return err
	}
	for i := range e.Waves {
		w := &e.Waves[i]
		if _, err := ParseWaveStatus(string(w.Status)); err != nil {
			return fmt.Errorf("wave %d: %w", w.WaveNumber, err)
		}
		for _, ss := range w.ServerStatuses {
			if _, ok := ParseLaunchStatus(string(ss.LaunchStatus)); !ok {
				return fmt.Errorf("wave %d server %s: unknown launch status %q", w.WaveNumber, ss.SourceServerID, ss.LaunchStatus)
			}
		}
	}
	return nil
}

// ServerIDs returns every server referenced by the execution's waves
func (e *Execution) ServerIDs() []string {
	var ids []string
	for i := range e.Waves {
		ids = append(ids, e.Waves[i].ServerIDs...)
	}
	return ids
}

// Clone returns a deep copy of the execution
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.EndTime = cloneTime(e.EndTime)
	cp.PausedAt = cloneTime(e.PausedAt)
	if e.PausedBeforeWave != nil {
		n := *e.PausedBeforeWave
		cp.PausedBeforeWave = &n
	}
	cp.Waves = make([]Wave, len(e.Waves))
	for i := range e.Waves {
		cp.Waves[i] = e.Waves[i].Clone()
	}
	return &cp
}

// Wave is one batch of servers recovered together as a single job
type Wave struct {
	WaveNumber        int            `json:"wave_number"`
	WaveName          string         `json:"wave_name"`
	ProtectionGroupID string         `json:"protection_group_id,omitempty"`
	ServerIDs         []string       `json:"server_ids"`
	Region            string         `json:"region"`
	PauseBeforeWave   bool           `json:"pause_before_wave,omitempty"`
	JobID             string         `json:"job_id,omitempty"`
	SubmissionID      string         `json:"submission_id,omitempty"`
	ClaimedAt         *time.Time     `json:"claimed_at,omitempty"`
	Status            WaveStatus     `json:"status"`
	ServerStatuses    []ServerStatus `json:"server_statuses,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	TotalWaitTime     time.Duration  `json:"total_wait_time"`
	StartTime         *time.Time     `json:"start_time,omitempty"`
	LastPolledAt      *time.Time     `json:"last_polled_at,omitempty"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
}

// Clone returns a deep copy of the wave
func (w Wave) Clone() Wave {
	cp := w
	cp.ServerIDs = append([]string(nil), w.ServerIDs...)
	if w.ServerStatuses != nil {
		cp.ServerStatuses = append([]ServerStatus(nil), w.ServerStatuses...)
	}
	cp.ClaimedAt = cloneTime(w.ClaimedAt)
	cp.StartTime = cloneTime(w.StartTime)
	cp.LastPolledAt = cloneTime(w.LastPolledAt)
	cp.EndTime = cloneTime(w.EndTime)
	return cp
}

// ServerStatus is the per-server outcome within a wave
type ServerStatus struct {
	SourceServerID     string       `json:"source_server_id"`
	LaunchStatus       LaunchStatus `json:"launch_status"`
	RawLaunchStatus    string       `json:"raw_launch_status,omitempty"`
	RecoveryInstanceID string       `json:"recovery_instance_id,omitempty"`
	PrivateIP          string       `json:"private_ip,omitempty"`
	Hostname           string       `json:"hostname,omitempty"`
	InstanceType       string       `json:"instance_type,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

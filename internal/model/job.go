package model

import "fmt"

// JobStatus is the status the recovery service reports for a recovery job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusStarted   JobStatus = "STARTED"
	JobStatusCompleted JobStatus = "COMPLETED"
)

// IsActive reports whether the job still holds service capacity
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusStarted
}

// IsDone reports whether the service considers the job finished
func (s JobStatus) IsDone() bool {
	return s == JobStatusCompleted
}

// LaunchStatus is the launch outcome of a single job participant
type LaunchStatus string

const (
	LaunchStatusPending    LaunchStatus = "PENDING"
	LaunchStatusInProgress LaunchStatus = "IN_PROGRESS"
	LaunchStatusLaunched   LaunchStatus = "LAUNCHED"
	LaunchStatusFailed     LaunchStatus = "FAILED"
	LaunchStatusTerminated LaunchStatus = "TERMINATED"
)

// LaunchOutcome classifies a launch status for wave decisions
type LaunchOutcome int

const (
	LaunchOutcomeWaiting LaunchOutcome = iota
	LaunchOutcomeSucceeded
	LaunchOutcomeFailed
)

// Outcome maps the status onto its wave-level outcome
func (s LaunchStatus) Outcome() LaunchOutcome {
	switch s {
	case LaunchStatusLaunched:
		return LaunchOutcomeSucceeded
	case LaunchStatusFailed, LaunchStatusTerminated:
		return LaunchOutcomeFailed
	case LaunchStatusPending, LaunchStatusInProgress:
		return LaunchOutcomeWaiting
	}
	panic(fmt.Sprintf("unhandled launch status %q", string(s)))
}

// ParseLaunchStatus converts a raw service value. ok is false for values
// the orchestrator does not know about.
func ParseLaunchStatus(v string) (LaunchStatus, bool) {
	switch s := LaunchStatus(v); s {
	case LaunchStatusPending, LaunchStatusInProgress, LaunchStatusLaunched, LaunchStatusFailed, LaunchStatusTerminated:
		return s, true
	}
	return LaunchStatusPending, false
}

// Participant is a server entry within a submitted job
type Participant struct {
	ServerID     string `json:"server_id"`
	LaunchStatus string `json:"launch_status"`
	InstanceID   string `json:"instance_id,omitempty"`
}

// Job is the recovery service's view of a submitted job
type Job struct {
	JobID        string        `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Region       string        `json:"region,omitempty"`
	IsDrill      bool          `json:"is_drill"`
	Participants []Participant `json:"participants"`
}

// JobSummary describes a job counted against service capacity
type JobSummary struct {
	JobID            string    `json:"job_id"`
	Status           JobStatus `json:"status"`
	ParticipantCount int       `json:"participant_count"`
	ServerIDs        []string  `json:"server_ids,omitempty"`
}

// InstanceDetails is descriptive metadata about a launched recovery instance
type InstanceDetails struct {
	InstanceID   string `json:"instance_id"`
	PrivateIP    string `json:"private_ip,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
}

// QuotaSnapshot is a point-in-time read of service capacity in a region
type QuotaSnapshot struct {
	Region                 string `json:"region"`
	CurrentJobCount        int    `json:"current_job_count"`
	CurrentServersInFlight int    `json:"current_servers_in_flight"`
	AvailableJobSlots      int    `json:"available_job_slots"`
	AvailableServerSlots   int    `json:"available_server_slots"`
}

// ConflictSource identifies the index a conflict was found in
type ConflictSource string

const (
	ConflictSourceActiveJob       ConflictSource = "active_job"
	ConflictSourceActiveExecution ConflictSource = "active_execution"
)

// ConflictRecord reports a server already in use elsewhere
type ConflictRecord struct {
	ServerID       string         `json:"server_id"`
	ConflictSource ConflictSource `json:"conflict_source"`
	ConflictingID  string         `json:"conflicting_id"`
	WaveNumber     int            `json:"wave_number"`
}

package scheduler

import "errors"

var (
	// ErrWaveOutOfRange is returned when a wave number does not exist in the execution
	ErrWaveOutOfRange = errors.New("wave number out of range")

	// ErrWaveAlreadySubmitted is returned when a wave already has a job
	ErrWaveAlreadySubmitted = errors.New("wave already has a recovery job")

	// ErrNoServers is returned when a wave resolves to an empty server set
	ErrNoServers = errors.New("wave resolved to zero servers")
)

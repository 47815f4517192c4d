package vbr

import "time"

// JobState is one backup job's last-known state.
type JobState struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	LastResult  string    `json:"lastResult"`
	LastRun     time.Time `json:"lastRun"`
	Message     string    `json:"message"`
	Description string    `json:"description,omitempty"`
}

// RepositoryState is one backup repository's capacity state.
// UsedSpaceGB is derived client-side as capacity minus free.
type RepositoryState struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Path        string  `json:"path"`
	CapacityGB  float64 `json:"capacityGB"`
	FreeGB      float64 `json:"freeGB"`
	UsedSpaceGB float64 `json:"usedSpaceGB"`
}

// SessionState is one job session run.
type SessionState struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	JobID        string        `json:"jobId"`
	SessionType  string        `json:"sessionType"`
	State        string        `json:"state"`
	CreationTime time.Time     `json:"creationTime"`
	EndTime      time.Time     `json:"endTime"`
	Progress     int           `json:"progressPercent"`
	Result       SessionResult `json:"result"`
}

// SessionResult is the outcome portion of a session.
type SessionResult struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// ManagedServer is one infrastructure server registered with the appliance.
type ManagedServer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// HealthState is the upstream health endpoint payload.
type HealthState struct {
	Status     string `json:"status"`
	VBRVersion string `json:"vbrVersion,omitempty"`
}

// listEnvelope matches the upstream list response shape.
type listEnvelope[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Total int `json:"total"`
		Count int `json:"count"`
		Skip  int `json:"skip"`
	} `json:"pagination"`
}

// Result wraps an upstream fetch so callers can join partial failures
// instead of aborting sibling fetches.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	// Err retains the underlying error for callers that need to inspect it.
	Err error `json:"-"`
}

func success[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func failure[T any](err error) Result[T] {
	return Result[T]{Success: false, Error: err.Error(), Err: err}
}

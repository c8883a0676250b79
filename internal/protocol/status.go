package protocol

// Status is the outcome of a session, also used as the value of status messages.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusFailed             Status = "failed"
	StatusContainerDepleted  Status = "container_depleted"
	StatusTimeout            Status = "timeout"
	StatusOutOfMemory        Status = "out_of_memory"
	StatusTerminatedByClient Status = "terminated_by_client"
	StatusRunnerInUse        Status = "runner_in_use"

	// StatusContainerRunning is only sent to clients; it is never a session outcome.
	StatusContainerRunning Status = "container_running"
)

var statusCodes = map[Status]int{
	StatusOK:                 0,
	StatusFailed:             1,
	StatusContainerDepleted:  2,
	StatusTimeout:            3,
	StatusOutOfMemory:        4,
	StatusTerminatedByClient: 5,
	StatusRunnerInUse:        6,
}

// Terminal reports whether s is a final session outcome.
func (s Status) Terminal() bool {
	_, ok := statusCodes[s]
	return ok
}

// Code returns the stored integer value of s; false for non-terminal values.
func (s Status) Code() (int, bool) {
	code, ok := statusCodes[s]
	return code, ok
}

// StatusFromCode maps a stored integer back to its status.
func StatusFromCode(code int) (Status, bool) {
	for s, v := range statusCodes {
		if v == code {
			return s, true
		}
	}
	return "", false
}

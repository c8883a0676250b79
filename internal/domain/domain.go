// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Owner identifies who a runner lease belongs to: a single user or a
// programming group sharing one sandbox.
type Owner struct {
	Type string `json:"type"` // "user" or "group".
	ID   string `json:"id"`
}

// Owner types.
const (
	OwnerUser  = "user"
	OwnerGroup = "group"
)

// Key returns the string form used for lease lookups.
func (o Owner) Key() string {
	return o.Type + "/" + o.ID
}

// Submission cause values. Only run and assess produce sessions; the others
// change how much output a session keeps.
const (
	CauseRun             = "run"
	CauseAssess          = "assess"
	CauseRequestComments = "requestComments"
	CauseSubmit          = "submit"
	CauseSave            = "save"
)

// ExecutionEnvironment describes how code for one language/toolchain is run.
type ExecutionEnvironment struct {
	ID                     int             `json:"id"`
	Name                   string          `json:"name"`
	DockerImage            string          `json:"docker_image"`
	PoolSize               int             `json:"pool_size"`
	CPULimit               int             `json:"cpu_limit"`    // Percent of one core. Default 20.
	MemoryLimit            int             `json:"memory_limit"` // Megabytes. Default 256, minimum 4.
	NetworkEnabled         bool            `json:"network_enabled"`
	ExposedPorts           []int           `json:"exposed_ports"`
	PermittedExecutionTime int             `json:"permitted_execution_time"` // Seconds. Default 60.
	RunCommand             string          `json:"run_command"`
	TestCommand            string          `json:"test_command,omitempty"`
	TestingFramework       string          `json:"testing_framework,omitempty"`
	ErrorTemplates         []ErrorTemplate `json:"error_templates,omitempty"`
}

const (
	DefaultCPULimit               = 20
	DefaultMemoryLimit            = 256
	MinimumMemoryLimit            = 4
	DefaultPermittedExecutionTime = 60
)

// Normalize applies defaults and sorts/deduplicates the exposed ports.
func (e *ExecutionEnvironment) Normalize() {
	if e.CPULimit <= 0 {
		e.CPULimit = DefaultCPULimit
	}
	if e.MemoryLimit <= 0 {
		e.MemoryLimit = DefaultMemoryLimit
	}
	if e.MemoryLimit < MinimumMemoryLimit {
		e.MemoryLimit = MinimumMemoryLimit
	}
	if e.PermittedExecutionTime <= 0 {
		e.PermittedExecutionTime = DefaultPermittedExecutionTime
	}
	if len(e.ExposedPorts) > 0 {
		seen := make(map[int]struct{}, len(e.ExposedPorts))
		ports := e.ExposedPorts[:0]
		for _, p := range e.ExposedPorts {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
		sort.Ints(ports)
		e.ExposedPorts = ports
	}
}

// ErrorTemplate is a known error signature for an execution environment.
type ErrorTemplate struct {
	ID                     uuid.UUID `json:"id"`
	ExecutionEnvironmentID int       `json:"execution_environment_id"`
	Name                   string    `json:"name"`
	Signature              string    `json:"signature"` // Regular expression matched against captured output.
	Description            string    `json:"description"`
	Hint                   string    `json:"hint"`
}

// StructuredError records one template match for a submission.
type StructuredError struct {
	ID              uuid.UUID
	ErrorTemplateID uuid.UUID
	SubmissionID    uuid.UUID
	Hint            string
	CreatedAt       time.Time
}

// File is a single file of a submission.
type File struct {
	Filepath string `json:"filepath"`
	Content  string `json:"content"`
}

// Submission is the code snapshot a session executes.
type Submission struct {
	ID                     uuid.UUID `json:"id"`
	Owner                  Owner     `json:"owner"`
	ExecutionEnvironmentID int       `json:"execution_environment_id"`
	Cause                  string    `json:"cause"`
	Files                  []File    `json:"files"`
	CreatedAt              time.Time `json:"created_at"`
}

// File returns the file with the given path.
func (s *Submission) File(path string) (File, bool) {
	for _, f := range s.Files {
		if f.Filepath == path {
			return f, true
		}
	}
	return File{}, false
}

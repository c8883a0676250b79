package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is raw JSON stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB from %T", src)
	}
	return nil
}

// RunnerModel maps to the "runners" table: one cached runner per owner and
// execution environment.
type RunnerModel struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunnerID               string    `gorm:"not null"`
	ExecutionEnvironmentID int       `gorm:"not null;uniqueIndex:idx_runners_owner_env"`
	OwnerType              string    `gorm:"not null;uniqueIndex:idx_runners_owner_env"`
	OwnerID                string    `gorm:"not null;uniqueIndex:idx_runners_owner_env"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastUsedAt             time.Time `gorm:"not null;index"`
}

func (RunnerModel) TableName() string { return "runners" }

// ExecutionEnvironmentModel maps to the "execution_environments" table.
type ExecutionEnvironmentModel struct {
	ID                     int    `gorm:"primaryKey;autoIncrement:false"`
	Name                   string `gorm:"not null"`
	DockerImage            string `gorm:"not null"`
	PoolSize               int    `gorm:"not null;default:0"`
	CPULimit               int    `gorm:"not null;default:20"`
	MemoryLimit            int    `gorm:"not null;default:256"`
	NetworkEnabled         bool   `gorm:"not null;default:false"`
	ExposedPorts           JSONB  `gorm:"type:jsonb"`
	PermittedExecutionTime int    `gorm:"not null;default:60"`
	RunCommand             string `gorm:"not null"`
	TestCommand            string
	TestingFramework       string
	ErrorTemplates         []ErrorTemplateModel `gorm:"foreignKey:ExecutionEnvironmentID;constraint:OnDelete:CASCADE"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (ExecutionEnvironmentModel) TableName() string { return "execution_environments" }

// ErrorTemplateModel maps to the "error_templates" table.
type ErrorTemplateModel struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionEnvironmentID int       `gorm:"not null;index"`
	Name                   string
	Signature              string `gorm:"not null"`
	Description            string
	Hint                   string
	CreatedAt              time.Time
}

func (ErrorTemplateModel) TableName() string { return "error_templates" }

// StructuredErrorModel maps to the "structured_errors" table.
type StructuredErrorModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorTemplateID uuid.UUID `gorm:"type:uuid;not null;index"`
	SubmissionID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Hint            string
	CreatedAt       time.Time
}

func (StructuredErrorModel) TableName() string { return "structured_errors" }

// SubmissionModel maps to the "submissions" table.
type SubmissionModel struct {
	ID                     uuid.UUID             `gorm:"type:uuid;primaryKey"`
	OwnerType              string                `gorm:"not null;index:idx_submissions_owner"`
	OwnerID                string                `gorm:"not null;index:idx_submissions_owner"`
	ExecutionEnvironmentID int                   `gorm:"not null"`
	Cause                  string                `gorm:"not null"`
	Files                  []SubmissionFileModel `gorm:"foreignKey:SubmissionID;constraint:OnDelete:CASCADE"`
	CreatedAt              time.Time
}

func (SubmissionModel) TableName() string { return "submissions" }

// SubmissionFileModel maps to the "submission_files" table.
type SubmissionFileModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Position     int       `gorm:"not null"`
	Filepath     string    `gorm:"not null"`
	Content      string    `gorm:"type:text"`
}

func (SubmissionFileModel) TableName() string { return "submission_files" }

// TestrunModel maps to the "testruns" table.
type TestrunModel struct {
	ID                      uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionID            uuid.UUID `gorm:"type:uuid;not null;index"`
	File                    *string
	Cause                   string `gorm:"not null"`
	Passed                  *bool
	ExitCode                *int
	Status                  int16   `gorm:"not null;default:0"`
	Output                  *string `gorm:"type:text"`
	ContainerExecutionTime  *float64
	WaitingForContainerTime *float64
	StartingTime            *time.Time
	CreatedAt               time.Time `gorm:"index"`
}

func (TestrunModel) TableName() string { return "testruns" }

// TestrunMessageModel maps to the "testrun_messages" table.
type TestrunMessageModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TestrunID uuid.UUID `gorm:"type:uuid;not null;index"`
	Position  int       `gorm:"not null"`
	Cmd       int16     `gorm:"not null;default:1"`
	Stream    *int16
	Log       *string `gorm:"type:text"`
	Data      JSONB   `gorm:"type:jsonb"`
	Timestamp int64   `gorm:"not null"` // Nanoseconds since the session started.
	CreatedAt time.Time
}

func (TestrunMessageModel) TableName() string { return "testrun_messages" }

// TestrunExecutionEnvironmentModel maps to the "testrun_execution_environments"
// table, a snapshot of the environment a testrun used.
type TestrunExecutionEnvironmentModel struct {
	TestrunID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionEnvironmentID int       `gorm:"not null;index"`
	Snapshot               JSONB     `gorm:"type:jsonb;not null"`
	CreatedAt              time.Time
}

func (TestrunExecutionEnvironmentModel) TableName() string { return "testrun_execution_environments" }

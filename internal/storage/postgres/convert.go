package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/transcript"
)

// --- Runner lease ---

func toRunnerModel(rec *runner.LeaseRecord) RunnerModel {
	return RunnerModel{
		ID:                     rec.ID,
		RunnerID:               rec.RunnerID,
		ExecutionEnvironmentID: rec.ExecutionEnvironmentID,
		OwnerType:              rec.Owner.Type,
		OwnerID:                rec.Owner.ID,
		CreatedAt:              rec.CreatedAt,
		LastUsedAt:             rec.LastUsedAt,
	}
}

func toLeaseRecord(m *RunnerModel) runner.LeaseRecord {
	return runner.LeaseRecord{
		ID:                     m.ID,
		RunnerID:               m.RunnerID,
		ExecutionEnvironmentID: m.ExecutionEnvironmentID,
		Owner:                  domain.Owner{Type: m.OwnerType, ID: m.OwnerID},
		CreatedAt:              m.CreatedAt,
		LastUsedAt:             m.LastUsedAt,
	}
}

// --- Execution environment ---

func toEnvironmentModel(env *domain.ExecutionEnvironment) ExecutionEnvironmentModel {
	ports, _ := json.Marshal(env.ExposedPorts)
	if env.ExposedPorts == nil {
		ports = []byte("[]")
	}
	m := ExecutionEnvironmentModel{
		ID:                     env.ID,
		Name:                   env.Name,
		DockerImage:            env.DockerImage,
		PoolSize:               env.PoolSize,
		CPULimit:               env.CPULimit,
		MemoryLimit:            env.MemoryLimit,
		NetworkEnabled:         env.NetworkEnabled,
		ExposedPorts:           JSONB(ports),
		PermittedExecutionTime: env.PermittedExecutionTime,
		RunCommand:             env.RunCommand,
		TestCommand:            env.TestCommand,
		TestingFramework:       env.TestingFramework,
	}
	for _, t := range env.ErrorTemplates {
		id := t.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		m.ErrorTemplates = append(m.ErrorTemplates, ErrorTemplateModel{
			ID:                     id,
			ExecutionEnvironmentID: env.ID,
			Name:                   t.Name,
			Signature:              t.Signature,
			Description:            t.Description,
			Hint:                   t.Hint,
		})
	}
	return m
}

func toEnvironmentDomain(m *ExecutionEnvironmentModel) *domain.ExecutionEnvironment {
	env := &domain.ExecutionEnvironment{
		ID:                     m.ID,
		Name:                   m.Name,
		DockerImage:            m.DockerImage,
		PoolSize:               m.PoolSize,
		CPULimit:               m.CPULimit,
		MemoryLimit:            m.MemoryLimit,
		NetworkEnabled:         m.NetworkEnabled,
		PermittedExecutionTime: m.PermittedExecutionTime,
		RunCommand:             m.RunCommand,
		TestCommand:            m.TestCommand,
		TestingFramework:       m.TestingFramework,
	}
	if len(m.ExposedPorts) > 0 {
		_ = json.Unmarshal(m.ExposedPorts, &env.ExposedPorts)
	}
	for _, t := range m.ErrorTemplates {
		env.ErrorTemplates = append(env.ErrorTemplates, domain.ErrorTemplate{
			ID:                     t.ID,
			ExecutionEnvironmentID: t.ExecutionEnvironmentID,
			Name:                   t.Name,
			Signature:              t.Signature,
			Description:            t.Description,
			Hint:                   t.Hint,
		})
	}
	return env
}

// --- Submission ---

func toSubmissionModel(sub *domain.Submission) SubmissionModel {
	m := SubmissionModel{
		ID:                     sub.ID,
		OwnerType:              sub.Owner.Type,
		OwnerID:                sub.Owner.ID,
		ExecutionEnvironmentID: sub.ExecutionEnvironmentID,
		Cause:                  sub.Cause,
		CreatedAt:              sub.CreatedAt,
	}
	for i, f := range sub.Files {
		m.Files = append(m.Files, SubmissionFileModel{
			ID:           uuid.New(),
			SubmissionID: sub.ID,
			Position:     i,
			Filepath:     f.Filepath,
			Content:      f.Content,
		})
	}
	return m
}

func toSubmissionDomain(m *SubmissionModel) *domain.Submission {
	sub := &domain.Submission{
		ID:                     m.ID,
		Owner:                  domain.Owner{Type: m.OwnerType, ID: m.OwnerID},
		ExecutionEnvironmentID: m.ExecutionEnvironmentID,
		Cause:                  m.Cause,
		CreatedAt:              m.CreatedAt,
	}
	for _, f := range m.Files {
		sub.Files = append(sub.Files, domain.File{Filepath: f.Filepath, Content: f.Content})
	}
	return sub
}

// --- Testrun ---

func toTestrunModel(run *transcript.Testrun) TestrunModel {
	m := TestrunModel{
		ID:           run.ID,
		SubmissionID: run.SubmissionID,
		Cause:        run.Cause,
		Passed:       run.Passed,
		ExitCode:     run.ExitCode,
		Output:       run.Output,
		StartingTime: run.StartingTime,
		CreatedAt:    run.CreatedAt,
	}
	if run.File != "" {
		f := run.File
		m.File = &f
	}
	if code, ok := run.Status.Code(); ok {
		m.Status = int16(code)
	}
	if run.ExecutionDuration > 0 {
		secs := run.ExecutionDuration.Seconds()
		m.ContainerExecutionTime = &secs
	}
	if run.WaitingDuration > 0 {
		secs := run.WaitingDuration.Seconds()
		m.WaitingForContainerTime = &secs
	}
	return m
}

func toTestrunDomain(m *TestrunModel) *transcript.Testrun {
	run := &transcript.Testrun{
		ID:           m.ID,
		SubmissionID: m.SubmissionID,
		Cause:        m.Cause,
		Passed:       m.Passed,
		ExitCode:     m.ExitCode,
		Output:       m.Output,
		StartingTime: m.StartingTime,
		CreatedAt:    m.CreatedAt,
	}
	if m.File != nil {
		run.File = *m.File
	}
	if status, ok := protocol.StatusFromCode(int(m.Status)); ok {
		run.Status = status
	}
	if m.ContainerExecutionTime != nil {
		run.ExecutionDuration = secondsToDuration(*m.ContainerExecutionTime)
	}
	if m.WaitingForContainerTime != nil {
		run.WaitingDuration = secondsToDuration(*m.WaitingForContainerTime)
	}
	return run
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// --- Testrun message ---

func toTestrunMessageModel(msg *transcript.Message, position int) TestrunMessageModel {
	m := TestrunMessageModel{
		ID:        msg.ID,
		TestrunID: msg.TestrunID,
		Position:  position,
		Cmd:       int16(msg.Cmd.Code()),
		Log:       msg.Log,
		Timestamp: int64(msg.Timestamp),
	}
	if msg.Stream != "" {
		if code := msg.Stream.Code(); code >= 0 {
			c := int16(code)
			m.Stream = &c
		}
	}
	if len(msg.Data) > 0 {
		data, _ := json.Marshal(msg.Data)
		m.Data = JSONB(data)
	}
	return m
}

func toTestrunMessageDomain(m *TestrunMessageModel) transcript.Message {
	msg := transcript.Message{
		ID:        m.ID,
		TestrunID: m.TestrunID,
		Log:       m.Log,
		Timestamp: time.Duration(m.Timestamp),
	}
	if cmd, ok := protocol.CommandFromCode(int(m.Cmd)); ok {
		msg.Cmd = cmd
	}
	if m.Stream != nil {
		if stream, ok := protocol.StreamFromCode(int(*m.Stream)); ok {
			msg.Stream = stream
		}
	}
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &msg.Data)
	}
	return msg
}

// --- Structured error ---

func toStructuredErrorModel(e *domain.StructuredError) StructuredErrorModel {
	return StructuredErrorModel{
		ID:              e.ID,
		ErrorTemplateID: e.ErrorTemplateID,
		SubmissionID:    e.SubmissionID,
		Hint:            e.Hint,
		CreatedAt:       e.CreatedAt,
	}
}

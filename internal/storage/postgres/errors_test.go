package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/transcript"
)

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", gorm.ErrRecordNotFound, domain.ErrNotFound},
		{"unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), ErrConflict},
		{"translated duplicate", gorm.ErrDuplicatedKey, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := wrapErr(tt.err, "op"); !errors.Is(err, tt.want) {
				t.Errorf("wrapErr(%v) = %v, want %v", tt.err, err, tt.want)
			}
		})
	}

	other := &pgconn.PgError{Code: "23503"}
	err := wrapErr(other, "op")
	if errors.Is(err, ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign key violation mapped to sentinel: %v", err)
	}
	if !errors.Is(err, other) {
		t.Errorf("original error lost: %v", err)
	}
}

func TestTestrunModel_StatusAndDurations(t *testing.T) {
	run := &transcript.Testrun{Status: protocol.StatusOutOfMemory, ExecutionDuration: 0}
	m := toTestrunModel(run)
	if m.ContainerExecutionTime != nil {
		t.Errorf("zero duration stored as %v", *m.ContainerExecutionTime)
	}
	back := toTestrunDomain(&m)
	if back.Status != protocol.StatusOutOfMemory {
		t.Errorf("status = %q", back.Status)
	}
}

func TestTestrunMessageModel_UnknownStreamIsNull(t *testing.T) {
	m := toTestrunMessageModel(&transcript.Message{Cmd: protocol.CmdClear}, 0)
	if m.Stream != nil {
		t.Errorf("stream = %d, want nil", *m.Stream)
	}
	back := toTestrunMessageDomain(&m)
	if back.Cmd != protocol.CmdClear {
		t.Errorf("cmd = %q", back.Cmd)
	}
}

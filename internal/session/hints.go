package session

import (
	"log/slog"
	"regexp"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// templateMatch is one error template whose signature matched the output.
type templateMatch struct {
	template domain.ErrorTemplate
	record   domain.StructuredError
}

// matchTemplates checks output against every template of the environment.
// Templates with invalid signatures are skipped.
func matchTemplates(templates []domain.ErrorTemplate, output string, submissionID uuid.UUID, logger *slog.Logger) []templateMatch {
	if output == "" {
		return nil
	}
	now := time.Now().UTC()
	var out []templateMatch
	for _, t := range templates {
		re, err := regexp.Compile(t.Signature)
		if err != nil {
			logger.Warn("invalid error template signature",
				slog.String("template", t.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !re.MatchString(output) {
			continue
		}
		out = append(out, templateMatch{
			template: t,
			record: domain.StructuredError{
				ErrorTemplateID: t.ID,
				SubmissionID:    submissionID,
				Hint:            t.Hint,
				CreatedAt:       now,
			},
		})
	}
	return out
}

// hintMessages builds one hint message per distinct hint text, in match order.
func hintMessages(matches []templateMatch) []protocol.Message {
	seen := mapset.NewThreadUnsafeSet[string]()
	var msgs []protocol.Message
	for _, m := range matches {
		if !seen.Add(m.template.Hint) {
			continue
		}
		msgs = append(msgs, protocol.Hint(m.template.Hint, m.template.Description))
	}
	return msgs
}

func structuredErrors(matches []templateMatch) []domain.StructuredError {
	out := make([]domain.StructuredError, len(matches))
	for i, m := range matches {
		out[i] = m.record
	}
	return out
}

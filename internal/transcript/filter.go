package transcript

import (
	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
)

// Limits bounds what is kept of a transcript: Log is the total number of
// characters across log payloads, Data the number of structured messages.
type Limits struct {
	Log  int
	Data int
}

// LimitsFor returns the budgets for a submission cause. Comment requests keep
// more so reviewers see the full context.
func LimitsFor(cause string) Limits {
	if cause == domain.CauseRequestComments {
		return Limits{Log: 5000, Data: 25}
	}
	return Limits{Log: 500, Data: 10}
}

// Filter normalizes msgs to their stored form and applies the budgets of
// cause. A log message is kept while log budget remains and is cut to fit it;
// a data message consumes one unit of data budget; a message with neither is
// kept for free until the data budget is exhausted. Everything else is dropped.
func Filter(msgs []protocol.Message, cause string) []Message {
	limits := LimitsFor(cause)
	logSize, dataSize := 0, 0

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		s := protocol.Normalize(m)
		stored := Message{
			Cmd:       s.Cmd,
			Stream:    s.Stream,
			Log:       s.Log,
			Data:      s.Data,
			Timestamp: s.Timestamp,
		}

		switch {
		case s.HasLog() && logSize < limits.Log:
			text := truncate(*s.Log, limits.Log-logSize)
			stored.Log = &text
			logSize += len([]rune(text))
		case s.HasData() && dataSize < limits.Data:
			dataSize++
		case !s.HasLog() && dataSize < limits.Data:
		default:
			continue
		}
		out = append(out, stored)
	}
	return out
}

// truncate returns at most n characters of s.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

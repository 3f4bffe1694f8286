package grading

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CanonicalResult is the fully validated, sanitized representation of a
// grading outcome, safe to persist. Normalize always returns one; there is
// no error path.
type CanonicalResult struct {
	JobID uint

	// Succeeded is the environment-level flag from the payload: whether
	// the sandbox ran to completion and produced extractable results.
	Succeeded bool
	Score     float64

	// ResultsGradable and ResultsSucceeded are the payload-scoped flags
	// set by grading code itself; nil when the payload omits them.
	ResultsGradable  *bool
	ResultsSucceeded *bool

	FormatErrors []string
	// Feedback preserves the sanitized payload, or a synthesized failure
	// document when the payload could not be validated.
	Feedback map[string]interface{}
	Message  string

	ReceivedAt *time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// Normalizer turns raw grader output into canonical grading records. The
// payload originates from untrusted, possibly broken grading code, so every
// failure mode produces a valid not-gradable result instead of an error.
type Normalizer struct {
	logger zerolog.Logger
}

// NewNormalizer constructs a result normalizer.
func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With().Str("component", "result_normalizer").Logger()}
}

// Normalize validates and sanitizes one raw results payload.
func (n *Normalizer) Normalize(jobID uint, raw []byte) CanonicalResult {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		n.logger.Warn().Uint("job_id", jobID).Err(err).Msg("could not parse results payload")
		return n.failure(jobID, sanitizeString(string(raw)), "Could not parse the grading results.")
	}

	decoded = sanitizeValue(decoded)

	payload, ok := decoded.(map[string]interface{})
	if !ok {
		return n.failure(jobID, decoded, "Grading results were not an object.")
	}

	result := CanonicalResult{
		JobID:      jobID,
		Feedback:   payload,
		ReceivedAt: parseTime(payload["received_time"]),
		StartedAt:  parseTime(payload["start_time"]),
		EndedAt:    parseTime(payload["end_time"]),
	}

	fail := func(message string) CanonicalResult {
		failed := n.failure(jobID, payload, message)
		failed.ReceivedAt, failed.StartedAt, failed.EndedAt = result.ReceivedAt, result.StartedAt, result.EndedAt
		return failed
	}

	succeeded, ok := payload["succeeded"].(bool)
	if !ok {
		return fail(`Grading results did not contain a boolean "succeeded" field.`)
	}

	result.Succeeded = succeeded
	if !succeeded {
		// The raw payload is preserved as feedback so the learner can see
		// the environment's explanation.
		result.Message, _ = payload["message"].(string)
		return result
	}

	results, ok := payload["results"].(map[string]interface{})
	if !ok {
		return fail(`Grading results did not contain a "results" object.`)
	}

	score, ok := finiteNumber(results["score"])
	if !ok {
		return fail(fmt.Sprintf("Expected a number for results.score but got %q.", fmt.Sprint(results["score"])))
	}

	if score < 0 || score > 1 {
		return fail(fmt.Sprintf("Expected results.score to be between 0 and 1 but got %v.", score))
	}

	result.Score = score
	result.FormatErrors = formatErrorList(results["format_errors"])
	result.ResultsGradable = boolPtr(results["gradable"])
	result.ResultsSucceeded = boolPtr(results["succeeded"])

	return result
}

// failure synthesizes a canonical not-gradable result carrying the original
// payload for later inspection.
func (n *Normalizer) failure(jobID uint, original interface{}, message string) CanonicalResult {
	return CanonicalResult{
		JobID:   jobID,
		Score:   0,
		Message: message,
		Feedback: map[string]interface{}{
			"succeeded": false,
			"message":   message,
			"results": map[string]interface{}{
				"succeeded": false,
				"gradable":  false,
			},
			"original_feedback": original,
		},
	}
}

// sanitizeValue recursively replaces NUL bytes in every string with the
// Unicode replacement character. NUL is illegal in the downstream text
// storage and must never reach it.
func sanitizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case string:
		return sanitizeString(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, item := range typed {
			out[sanitizeString(key)] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

func sanitizeString(s string) string {
	return strings.ReplaceAll(s, "\x00", "�")
}

func finiteNumber(value interface{}) (float64, bool) {
	number, ok := value.(float64)
	if !ok || math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, false
	}
	return number, true
}

// formatErrorList accepts either a single string or an array of strings;
// anything else yields an empty list.
func formatErrorList(value interface{}) []string {
	switch typed := value.(type) {
	case string:
		return []string{typed}
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolPtr(value interface{}) *bool {
	if b, ok := value.(bool); ok {
		return &b
	}
	return nil
}

func parseTime(value interface{}) *time.Time {
	s, ok := value.(string)
	if !ok {
		return nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}

	return nil
}

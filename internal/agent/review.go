package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Review is a supervisor verdict on a stage artifact. Passed carries the
// supervisor's own judgement and is nil when the review only reports a score.
type Review struct {
	Score       float64    `json:"score"`
	Passed      *bool      `json:"passed"`
	Issues      stringList `json:"issues"`
	Suggestions stringList `json:"suggestions"`
}

// Accepted reports whether the artifact clears review. The score must meet
// the threshold, and an explicit passed=false rejects the artifact even when
// the score is above it.
func (r Review) Accepted(threshold float64) bool {
	if r.Score < threshold {
		return false
	}
	return r.Passed == nil || *r.Passed
}

// Feedback folds the structured issues and suggestions into the revision
// guidance handed back to the worker.
func (r Review) Feedback() string {
	var parts []string
	if len(r.Issues) > 0 {
		parts = append(parts, "issues: "+strings.Join(r.Issues, "; "))
	}
	if len(r.Suggestions) > 0 {
		parts = append(parts, "suggestions: "+strings.Join(r.Suggestions, "; "))
	}
	return strings.Join(parts, "\n")
}

// stringList accepts a bare string where a list is expected; supervisor
// output collapses one-element lists often enough to tolerate it.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one == "" {
		*l = nil
		return nil
	}
	*l = stringList{one}
	return nil
}

// ParseReview extracts a Review from raw supervisor output. Workers are asked
// for a JSON object but frequently wrap it in prose or a code fence, so the
// parser falls back to the first balanced JSON object in the text. Scores
// outside [0,100] are clamped. An unparseable review is a transient failure:
// a re-invocation may produce well-formed output.
func ParseReview(raw string) (Review, error) {
	var review Review

	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return review, Wrap(ErrTransient, "", "parse review", fmt.Errorf("empty supervisor output"))
	}

	if err := json.Unmarshal([]byte(candidate), &review); err != nil {
		extracted, ok := extractJSONObject(candidate)
		if !ok {
			return review, Wrap(ErrTransient, "", "parse review", fmt.Errorf("no JSON object in supervisor output"))
		}
		if err := json.Unmarshal([]byte(extracted), &review); err != nil {
			return review, Wrap(ErrTransient, "", "parse review", err)
		}
	}

	if review.Score < 0 {
		review.Score = 0
	}
	if review.Score > 100 {
		review.Score = 100
	}
	return review, nil
}

// extractJSONObject returns the first balanced top-level JSON object in text.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

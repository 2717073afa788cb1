package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReviewPlainJSON(t *testing.T) {
	review, err := ParseReview(`{"score": 85, "passed": true, "issues": [], "suggestions": ["cite the Lyapunov argument"]}`)
	require.NoError(t, err)
	assert.Equal(t, 85.0, review.Score)
	require.NotNil(t, review.Passed)
	assert.True(t, *review.Passed)
	assert.Empty(t, review.Issues)
	assert.Equal(t, []string{"cite the Lyapunov argument"}, []string(review.Suggestions))
	assert.True(t, review.Accepted(70))
	assert.False(t, review.Accepted(90))
}

func TestReviewVerdictOverridesThreshold(t *testing.T) {
	review, err := ParseReview(`{"score": 90, "passed": false, "issues": ["derivation skips the disturbance term"]}`)
	require.NoError(t, err)
	assert.False(t, review.Accepted(70), "an explicit passed=false must reject even above threshold")

	// Without an explicit verdict the threshold alone decides.
	review, err = ParseReview(`{"score": 90}`)
	require.NoError(t, err)
	assert.Nil(t, review.Passed)
	assert.True(t, review.Accepted(70))
}

func TestReviewFeedbackComposesIssuesAndSuggestions(t *testing.T) {
	review, err := ParseReview(`{"score": 40, "issues": ["no stability proof", "gains unjustified"], "suggestions": ["add a Lyapunov candidate"]}`)
	require.NoError(t, err)
	assert.Equal(t,
		"issues: no stability proof; gains unjustified\nsuggestions: add a Lyapunov candidate",
		review.Feedback())

	empty, err := ParseReview(`{"score": 95, "passed": true}`)
	require.NoError(t, err)
	assert.Empty(t, empty.Feedback())
}

func TestParseReviewAcceptsBareStringLists(t *testing.T) {
	review, err := ParseReview(`{"score": 60, "issues": "missing simulation results", "suggestions": "run the step response"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing simulation results"}, []string(review.Issues))
	assert.Equal(t, []string{"run the step response"}, []string(review.Suggestions))
}

func TestParseReviewEmbeddedInProse(t *testing.T) {
	raw := "Here is my assessment:\n```json\n{\"score\": 55, \"issues\": [\"missing stability proof\"]}\n```\nThanks."
	review, err := ParseReview(raw)
	require.NoError(t, err)
	assert.Equal(t, 55.0, review.Score)
	assert.Equal(t, "issues: missing stability proof", review.Feedback())
}

func TestParseReviewNestedBraces(t *testing.T) {
	raw := `verdict: {"score": 72, "suggestions": ["tune {Q, R} matrices"]}`
	review, err := ParseReview(raw)
	require.NoError(t, err)
	assert.Equal(t, 72.0, review.Score)
	assert.Equal(t, "suggestions: tune {Q, R} matrices", review.Feedback())
}

func TestParseReviewClampsScore(t *testing.T) {
	review, err := ParseReview(`{"score": 140}`)
	require.NoError(t, err)
	assert.Equal(t, 100.0, review.Score)

	review, err = ParseReview(`{"score": -5}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, review.Score)
}

func TestParseReviewFailuresAreTransient(t *testing.T) {
	_, err := ParseReview("")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = ParseReview("no json here")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

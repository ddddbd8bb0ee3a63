package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/profile"
	"github.com/pentestfunctions/psychoshit/internal/ratelimit"
)

type fakeAPI struct {
	responses []any // string content or error, consumed in order
	requests  []openai.ChatCompletionRequest
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("fake exhausted")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if err, ok := next.(error); ok {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: next.(string)}},
		},
	}, nil
}

func newTestClient(api completionAPI) *Client {
	return &Client{
		api:          api,
		model:        "test-model",
		limiter:      ratelimit.New(1000, 1000, zap.NewNop()),
		maxAttempts:  3,
		timeout:      time.Second,
		throttleHint: 10 * time.Millisecond,
		baseBackoff:  time.Millisecond,
		logger:       zap.NewNop(),
	}
}

func validAssessmentJSON(t *testing.T) string {
	t.Helper()
	traits := make(map[string]TraitAssessment)
	for _, name := range profile.TraitNames {
		traits[name] = TraitAssessment{Value: 0.3, Confidence: 0.6, Rationale: "observed"}
	}
	b, err := json.Marshal(Assessment{Version: SchemaVersion, Traits: traits, Summary: "carry this forward"})
	require.NoError(t, err)
	return string(b)
}

func testRequest() Request {
	return Request{SubjectID: "u1", Username: "tester", ChunkIndex: 0, TotalChunks: 3}
}

func TestAnalyze_ValidResponse(t *testing.T) {
	api := &fakeAPI{responses: []any{validAssessmentJSON(t)}}
	c := newTestClient(api)

	res, err := c.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, "carry this forward", res.Assessment.Summary)
	assert.Len(t, res.Assessment.Observations(), len(profile.TraitNames))

	require.Len(t, api.requests, 1)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, api.requests[0].ResponseFormat.Type)
}

func TestAnalyze_MissingTraitIsSchemaViolation(t *testing.T) {
	var a Assessment
	require.NoError(t, json.Unmarshal([]byte(validAssessmentJSON(t)), &a))
	delete(a.Traits, profile.TraitHumor)
	b, _ := json.Marshal(a)

	c := newTestClient(&fakeAPI{responses: []any{string(b)}})
	res, err := c.Analyze(context.Background(), testRequest())

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSchema), "got %v", err)
	require.NotNil(t, res, "raw response must be preserved for the iteration record")
	assert.NotEmpty(t, res.Raw)
}

func TestAnalyze_UnknownTraitRejected(t *testing.T) {
	var a Assessment
	require.NoError(t, json.Unmarshal([]byte(validAssessmentJSON(t)), &a))
	a.Traits["shoe_size"] = TraitAssessment{Value: 0.5, Confidence: 0.5}
	b, _ := json.Marshal(a)

	c := newTestClient(&fakeAPI{responses: []any{string(b)}})
	_, err := c.Analyze(context.Background(), testRequest())
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSchema), "got %v", err)
}

func TestAnalyze_OutOfRangeConfidenceRejected(t *testing.T) {
	var a Assessment
	require.NoError(t, json.Unmarshal([]byte(validAssessmentJSON(t)), &a))
	a.Traits[profile.TraitHumor] = TraitAssessment{Value: 0.5, Confidence: 1.7}
	b, _ := json.Marshal(a)

	c := newTestClient(&fakeAPI{responses: []any{string(b)}})
	_, err := c.Analyze(context.Background(), testRequest())
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSchema), "got %v", err)
}

func TestAnalyze_WrongVersionRejected(t *testing.T) {
	var a Assessment
	require.NoError(t, json.Unmarshal([]byte(validAssessmentJSON(t)), &a))
	a.Version = 99
	b, _ := json.Marshal(a)

	c := newTestClient(&fakeAPI{responses: []any{string(b)}})
	_, err := c.Analyze(context.Background(), testRequest())
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSchema), "got %v", err)
}

func TestAnalyze_TransientErrorsRetriedThenSucceed(t *testing.T) {
	api := &fakeAPI{responses: []any{
		&openai.APIError{HTTPStatusCode: 503, Message: "overloaded"},
		validAssessmentJSON(t),
	}}
	c := newTestClient(api)
	c.maxAttempts = 3

	res, err := c.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotNil(t, res.Assessment)
	assert.Len(t, api.requests, 2)
}

func TestAnalyze_RetriesExhausted(t *testing.T) {
	api := &fakeAPI{responses: []any{
		&openai.APIError{HTTPStatusCode: 500},
		&openai.APIError{HTTPStatusCode: 500},
	}}
	c := newTestClient(api)
	c.maxAttempts = 2

	_, err := c.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeTransient), "got %v", err)
}

func TestAnalyze_PermanentRejectionIsFatal(t *testing.T) {
	api := &fakeAPI{responses: []any{
		&openai.APIError{HTTPStatusCode: 400, Message: "bad request shape"},
	}}
	c := newTestClient(api)

	_, err := c.Analyze(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeFatal), "got %v", err)
	assert.Len(t, api.requests, 1, "permanent rejections must not be retried")
}

func TestAnalyze_AuthFailureIsFatalForRun(t *testing.T) {
	api := &fakeAPI{responses: []any{
		&openai.APIError{HTTPStatusCode: 401},
	}}
	c := newTestClient(api)

	_, err := c.Analyze(context.Background(), testRequest())
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeAuth), "got %v", err)
}

func TestAnalyze_ThrottleHonoredWithoutConsumingAttempt(t *testing.T) {
	api := &fakeAPI{responses: []any{
		&openai.APIError{HTTPStatusCode: 429},
		validAssessmentJSON(t),
	}}
	c := newTestClient(api)
	c.maxAttempts = 1 // the 429 must not consume the only attempt

	res, err := c.Analyze(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotNil(t, res.Assessment)
}

func TestNormalizeBaseURL(t *testing.T) {
	for give, want := range map[string]string{
		"https://api.deepseek.com":     "https://api.deepseek.com/v1",
		"https://api.deepseek.com/":    "https://api.deepseek.com/v1",
		"https://api.deepseek.com/v1":  "https://api.deepseek.com/v1",
		"https://api.deepseek.com/v1/": "https://api.deepseek.com/v1",
		"http://localhost:8080/openai": "http://localhost:8080/openai/v1",
	} {
		assert.Equal(t, want, normalizeBaseURL(give), "input %q", give)
	}
}

func TestUserPrompt_RefinementCarriesProfile(t *testing.T) {
	req := testRequest()
	req.ChunkIndex = 2
	req.ProfileSummary = "humor: 0.40 (confidence 0.80)"

	prompt := userPrompt(req)
	assert.Contains(t, prompt, "ACCUMULATED PROFILE SO FAR")
	assert.Contains(t, prompt, req.ProfileSummary)

	first := userPrompt(testRequest())
	assert.Contains(t, first, "Initial analysis")
	assert.NotContains(t, first, "ACCUMULATED PROFILE")
}

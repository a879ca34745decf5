package llm

import (
	"net/http"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain JSON unchanged",
			input: `{"title":"Quiz Night"}`,
			want:  `{"title":"Quiz Night"}`,
		},
		{
			name:  "strips json fenced block",
			input: "```json\n{\"title\":\"Quiz Night\"}\n```",
			want:  `{"title":"Quiz Night"}`,
		},
		{
			name:  "strips plain fenced block",
			input: "```\n{\"title\":\"Quiz Night\"}\n```",
			want:  `{"title":"Quiz Night"}`,
		},
		{
			name:  "strips surrounding prose",
			input: "Here is the result:\n{\"title\":\"Quiz Night\"}\nLet me know if you need more.",
			want:  `{"title":"Quiz Night"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CleanJSON(tt.input))
		})
	}
}

func TestNewDefaultsModel(t *testing.T) {
	c := New(Config{APIKey: "test"}, nil)
	require.Equal(t, anthropic.ModelClaude3_5HaikuLatest, c.model)
	require.Equal(t, 3, c.cfg.MaxRetries)
}

func TestRetryDelayUsesRetryAfterHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	err := &anthropic.Error{
		StatusCode: 429,
		Response:   &http.Response{Header: header},
	}

	delay, retryable := retryDelay(err, 0)
	require.True(t, retryable)
	require.Equal(t, 7*time.Second, delay)
}

func TestRetryDelayFallsBackToExponential(t *testing.T) {
	err := &anthropic.Error{
		StatusCode: 429,
		Response:   &http.Response{Header: http.Header{}},
	}

	delay, retryable := retryDelay(err, 2)
	require.True(t, retryable)
	require.Equal(t, 4*time.Second, delay)
}

func TestRetryDelayNonRetryableStatus(t *testing.T) {
	err := &anthropic.Error{
		StatusCode: 400,
		Response:   &http.Response{Header: http.Header{}},
	}

	_, retryable := retryDelay(err, 0)
	require.False(t, retryable)
}

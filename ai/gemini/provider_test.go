package gemini

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/poiesic/neurosim/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_RequiresKey(t *testing.T) {
	cfg := ai.NewConfig(ai.WithBackend(ai.BackendGemini))
	_, err := NewProvider(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APIKey")
}

func TestNewProvider_WrongBackend(t *testing.T) {
	_, err := NewProvider(context.Background(), ai.NewConfig())
	assert.Error(t, err)
}

func TestCandidateText(t *testing.T) {
	tests := []struct {
		name    string
		resp    *genai.GenerateContentResponse
		want    string
		wantErr bool
	}{
		{"nil response", nil, "", true},
		{"no candidates", &genai.GenerateContentResponse{}, "", true},
		{
			name: "joins text parts",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("I think "), genai.Text("so.\n")}},
			}}},
			want: "I think so.",
		},
		{
			name: "whitespace only",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("  ")}},
			}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := candidateText(tt.resp)
			if tt.wantErr {
				assert.ErrorIs(t, err, errEmptyResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

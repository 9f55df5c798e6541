package rag

import (
	"strings"
	"text/template"
)

// Fixed replies. None of them carries request or error detail.
const (
	// InsufficientDataMessage is returned when the user's namespace has no relevant chunks.
	InsufficientDataMessage = "I don't have enough in my notes yet to answer that in my own words. " +
		"Please upload more of your writing (journals, notes, reflections) so I can learn your style and experience."

	// FailureMessage is returned when the user's data cannot be searched.
	FailureMessage = "Sorry, I can't reach your notes right now. Please try again later."

	// ApologyMessage is returned when the language model fails or times out.
	ApologyMessage = "Sorry, something went wrong while processing your question. Please try again later."
)

var promptTemplate = template.Must(template.New("persona").Parse(
	`You are the user's digital double. Answer the question AS THE USER, using their style, values and experience from the context below.

CONTEXT FROM THE USER'S NOTES:
{{.Context}}

QUESTION: {{.Question}}

INSTRUCTIONS:
1. Answer in the first person ("I", "me", "my").
2. Keep the user's style and tone from the context.
3. Be sincere and reflective.
4. Use concrete details from the context where appropriate.
5. Do not invent facts that are not in the context.

ANSWER (first person, in the user's style):`))

type promptData struct {
	Context  string
	Question string
}

// buildPrompt renders the persona prompt.
func buildPrompt(context, question string) (string, error) {
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, promptData{Context: context, Question: question}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

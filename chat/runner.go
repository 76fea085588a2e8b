package chat

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	openaishared "github.com/openai/openai-go/v3/shared"
)

// ResponsesRunner executes turns against the remote service's Responses API.
// The response id doubles as the resume token: passing it back as
// previous_response_id threads the conversation's context into the next turn
// without any storage on our side.
type ResponsesRunner struct {
	client       openai.Client
	model        string
	instructions string
}

var _ TurnRunner = (*ResponsesRunner)(nil)

func NewResponsesRunner(apiKey, baseURL, model, instructions string) *ResponsesRunner {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ResponsesRunner{
		client:       openai.NewClient(opts...),
		model:        model,
		instructions: instructions,
	}
}

func (r *ResponsesRunner) Run(ctx context.Context, message, previousID string) (content, responseID string, err error) {
	params := responses.ResponseNewParams{
		Model: openaishared.ResponsesModel(r.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(message),
		},
	}
	if r.instructions != "" {
		params.Instructions = openai.String(r.instructions)
	}
	if previousID != "" {
		params.PreviousResponseID = openai.String(previousID)
	}
	resp, err := r.client.Responses.New(ctx, params)
	if err != nil {
		return "", "", fmt.Errorf("creating response: %w", err)
	}
	return resp.OutputText(), resp.ID, nil
}

package pipeline

import (
	gateway "github.com/relaymux/relay/internal"
)

const maxStopSequences = 4

var validRoles = map[string]bool{
	gateway.RoleSystem:    true,
	gateway.RoleUser:      true,
	gateway.RoleAssistant: true,
	gateway.RoleTool:      true,
}

// validateChatRequest rejects malformed or out-of-range completion requests
// before any routing work happens.
func validateChatRequest(req *gateway.ChatRequest) error {
	if req == nil {
		return gateway.NewError(gateway.ClassValidation, "request body required")
	}
	if req.Model == "" {
		return gateway.NewError(gateway.ClassValidation, "modelId is required")
	}
	if len(req.Messages) == 0 {
		return gateway.NewError(gateway.ClassValidation, "messages must be non-empty")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return gateway.Errorf(gateway.ClassValidation, "messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return gateway.NewError(gateway.ClassValidation, "maxTokens must be positive")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return gateway.NewError(gateway.ClassValidation, "temperature must be in [0, 2]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return gateway.NewError(gateway.ClassValidation, "topP must be in [0, 1]")
	}
	if len(req.Stop) > maxStopSequences {
		return gateway.Errorf(gateway.ClassValidation, "stop accepts at most %d sequences", maxStopSequences)
	}
	return nil
}

// validateEmbeddingRequest rejects malformed embedding requests.
func validateEmbeddingRequest(req *gateway.EmbeddingRequest) error {
	if req == nil {
		return gateway.NewError(gateway.ClassValidation, "request body required")
	}
	if req.Model == "" {
		return gateway.NewError(gateway.ClassValidation, "modelId is required")
	}
	texts := req.Input.Texts()
	if len(texts) == 0 {
		return gateway.NewError(gateway.ClassValidation, "input must be a string or a non-empty array of strings")
	}
	for i, t := range texts {
		if t == "" {
			return gateway.Errorf(gateway.ClassValidation, "input[%d] must be non-empty", i)
		}
	}
	return nil
}

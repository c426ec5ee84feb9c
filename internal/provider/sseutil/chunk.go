package sseutil

import (
	gateway "github.com/relaymux/relay/internal"
)

// DeltaChunk builds a typed chunk carrying one content delta. Adapters whose
// vendors do not speak the OpenAI chunk format use these constructors to
// emit a uniform stream.
func DeltaChunk(id, model, content string) gateway.StreamChunk {
	return gateway.StreamChunk{
		ID:    id,
		Model: model,
		Choices: []gateway.ChunkChoice{{
			Delta: gateway.Delta{Content: content},
		}},
	}
}

// RoleChunk builds the leading chunk that announces the assistant role.
func RoleChunk(id, model string) gateway.StreamChunk {
	return gateway.StreamChunk{
		ID:    id,
		Model: model,
		Choices: []gateway.ChunkChoice{{
			Delta: gateway.Delta{Role: gateway.RoleAssistant},
		}},
	}
}

// FinishChunk builds the terminal chunk with a finish reason and, when the
// vendor reports it, final usage.
func FinishChunk(id, model, finishReason string, usage *gateway.Usage) gateway.StreamChunk {
	return gateway.StreamChunk{
		ID:    id,
		Model: model,
		Choices: []gateway.ChunkChoice{{
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

package server

import (
	"net/http"

	gateway "github.com/relaymux/relay/internal"
)

// handleEmbeddings decodes an embedding request and forwards it to the pipeline.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	resp, err := s.deps.Pipeline.Embed(r.Context(), &req, callerIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/relaymux/relay/internal"
)

type modelListResponse struct {
	Object string                    `json:"object"`
	Data   []gateway.ModelDescriptor `json:"data"`
}

// handleListModels returns every model the gateway serves, sorted by id.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   s.deps.Registry.Models(),
	})
}

// handleModelDetail returns one model descriptor, resolving aliases.
func (s *server) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	desc, ok := s.deps.Registry.Model(id)
	if !ok {
		writeError(w, gateway.Errorf(gateway.ClassModelNotFound, "unknown model %q", id))
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleModelsByProvider returns the models served by one provider.
func (s *server) handleModelsByProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Registry.Provider(name); err != nil {
		writeError(w, gateway.Errorf(gateway.ClassModelNotFound, "unknown provider %q", name))
		return
	}
	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   s.deps.Registry.ModelsByProvider(name),
	})
}

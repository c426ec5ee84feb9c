package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// cacheHeader reports whether the response came out of the response cache.
const cacheHeader = "X-Cache"

var (
	cacheHit  = []string{"HIT"}
	cacheMiss = []string{"MISS"}
)

func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, &req)
		return
	}

	identity := callerIdentity(r)
	resp, cached, err := s.deps.Pipeline.Complete(r.Context(), &req, identity)
	if err != nil {
		writeError(w, err)
		return
	}

	if cached {
		w.Header()[cacheHeader] = cacheHit
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheHits.Inc()
		}
	} else {
		w.Header()[cacheHeader] = cacheMiss
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCompletionStream(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	s.streamCompletion(w, r, &req)
}

// streamCompletion runs the streaming pipeline and relays chunks as SSE
// frames. Errors after the first frame arrive as an error frame followed by
// the [DONE] sentinel; the HTTP status is already committed by then.
func (s *server) streamCompletion(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	identity := callerIdentity(r)
	ch, err := s.deps.Pipeline.CompleteStream(r.Context(), req, identity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				class := gateway.ClassOf(chunk.Err)
				frame, _ := json.Marshal(errorBody(string(class), chunk.Err.Error(), "", 0))
				writeSSEData(w, frame)
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			frame, err := json.Marshal(chunk)
			if err != nil {
				slog.Error("failed to encode stream chunk", "error", err)
				continue
			}
			writeSSEData(w, frame)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// callerIdentity returns the authenticated identity, or the zero identity
// when the route is unauthenticated (tests).
func callerIdentity(r *http.Request) gateway.Identity {
	if id := gateway.IdentityFromContext(r.Context()); id != nil {
		return *id
	}
	return gateway.Identity{}
}

package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/stream"
)

const maxRequestBody = 1 << 20

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// handleStreamCreate runs prepareStream for POST /streams.
func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	backend := s.getBackend()
	if backend == nil {
		WriteError(w, r, InternalServerError(ErrServerNotStarted.Error()))
		return
	}

	var req stream.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, r, BadRequest("invalid request body: "+err.Error()))
		return
	}

	info, err := backend.PrepareStream(r.Context(), req)
	if err != nil {
		s.logger.Warn("prepare stream failed",
			zap.String("request_id", GetRequestID(r)),
			zap.Error(err),
		)
		WriteError(w, r, prepareError(err))
		return
	}

	WriteJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: info})
}

func prepareError(err error) *APIError {
	switch {
	case errors.Is(err, stream.ErrInvalidInput):
		return BadRequest(err.Error())
	case errors.Is(err, stream.ErrPrepareFailure):
		return PrepareFailed(err.Error())
	default:
		return InternalServerError(err.Error())
	}
}

// handleStreamList returns a snapshot of every registered stream.
func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	var snaps []stream.Snapshot
	if backend := s.getBackend(); backend != nil {
		snaps = backend.Snapshots()
	}
	if snaps == nil {
		snaps = []stream.Snapshot{}
	}

	WriteJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    snaps,
		Meta:    &Meta{TotalItems: len(snaps)},
	})
}

// handleStreamStop runs stopStream for DELETE /streams/{streamId}.
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamId")
	backend := s.getBackend()
	if backend == nil || !backend.StopStream(r.Context(), streamID) {
		WriteError(w, r, NotFound("stream "+streamID))
		return
	}
	WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleStreamStopAll runs stopAllStreams for DELETE /streams.
func (s *Server) handleStreamStopAll(w http.ResponseWriter, r *http.Request) {
	ok := true
	if backend := s.getBackend(); backend != nil {
		ok = backend.StopAllStreams(r.Context())
	}
	WriteJSON(w, http.StatusOK, SuccessResponse{Success: ok})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    s.uptime().String(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if backend := s.getBackend(); backend != nil {
		st = backend.Status()
	}
	st.Uptime = s.uptime().String()
	WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: st})
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt).Round(time.Second)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/trace"
)

// answerChunkSize is the answer_delta chunk length for streaming.
const answerChunkSize = 80

func (s *Server) queryOptions(req QueryRequest) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.MaxEvidenceSources = req.Options.MaxSources
	opts.Provider = req.Options.SearchProvider
	if req.Options.EnableVerifier != nil {
		opts.Verify = *req.Options.EnableVerifier
	}
	return opts
}

// handleQuery runs the full pipeline synchronously and returns the
// terminal payload. A refusal is still a 200: the refusal reason and
// trace id are the payload.
func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body", nil))
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_query", "query must not be empty", nil))
	}

	traceID := pipeline.NewTraceID()
	result, err := s.engine.Run(c.Request().Context(), traceID, req.Query, s.queryOptions(req))
	if err != nil {
		if errors.Is(err, pipeline.ErrCancelled) {
			return c.JSON(http.StatusRequestTimeout, errorBody("cancelled", "query cancelled", map[string]any{"trace_id": traceID}))
		}
		s.logger.Error("query failed", zap.String("trace_id", traceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "unexpected server error", map[string]any{"trace_id": traceID}))
	}

	if result.Refusal && result.RefusalReason == pipeline.ReasonInvalidQuery {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_query", "query could not be planned", map[string]any{"trace_id": result.TraceID}))
	}
	return c.JSON(http.StatusOK, result)
}

// handleQueryStream runs the pipeline while streaming trace events over
// SSE as they happen, then emits citations, answer deltas in fixed-size
// chunks, and exactly one final event. A cancelled run ends the stream
// without a final event.
func (s *Server) handleQueryStream(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body", nil))
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_query", "query must not be empty", nil))
	}

	traceID := pipeline.NewTraceID()

	// Subscribe before Run so the stream observes the whole trace.
	events, cancelSub := s.engine.Recorder().Subscribe(traceID)
	defer cancelSub()

	type runReturn struct {
		result *pipeline.QueryResult
		err    error
	}
	runDone := make(chan runReturn, 1)
	go func() {
		result, err := s.engine.Run(c.Request().Context(), traceID, req.Query, s.queryOptions(req))
		runDone <- runReturn{result: result, err: err}
	}()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// The recorder closes the event channel when the run reaches a
	// terminal state, so this drains the full trace.
	for ev := range events {
		if err := writeSSE(resp, "trace_event", ev); err != nil {
			return nil
		}
	}

	ret := <-runDone
	if ret.err != nil {
		// Cancelled: no final event, the trace ends with its cancelled
		// event already streamed above.
		return nil
	}

	result := ret.result
	for _, citation := range result.Citations {
		if err := writeSSE(resp, "citation", citation); err != nil {
			return nil
		}
	}
	// Chunk on rune boundaries so a delta never ends mid-character.
	answer := []rune(result.Answer)
	for start := 0; start < len(answer); start += answerChunkSize {
		end := start + answerChunkSize
		if end > len(answer) {
			end = len(answer)
		}
		if err := writeSSE(resp, "answer_delta", map[string]string{"text": string(answer[start:end])}); err != nil {
			return nil
		}
	}
	return writeSSE(resp, "final", result)
}

func writeSSE(resp *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

// handleGetTrace returns a trace from the recorder when the run is
// still in memory, falling back to the persistent store.
func (s *Server) handleGetTrace(c echo.Context) error {
	traceID := c.Param("id")

	if events, err := s.engine.Recorder().Events(traceID); err == nil && len(events) > 0 {
		// The query text lives in the store; in-memory traces of running
		// queries report events only.
		resp := TraceResponse{TraceID: traceID, Events: events}
		if s.engine.Store() != nil {
			if stored, err := s.engine.Store().GetTrace(c.Request().Context(), traceID); err == nil {
				resp.Query = stored.Query
				resp.Events = stored.Events
			}
		}
		return c.JSON(http.StatusOK, resp)
	}

	if s.engine.Store() == nil {
		return c.JSON(http.StatusNotFound, errorBody("trace_not_found", "trace not found", nil))
	}
	stored, err := s.engine.Store().GetTrace(c.Request().Context(), traceID)
	if err != nil {
		if errors.Is(err, trace.ErrTraceNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("trace_not_found", "trace not found", nil))
		}
		s.logger.Error("trace lookup failed", zap.String("trace_id", traceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "unexpected server error", nil))
	}
	return c.JSON(http.StatusOK, TraceResponse{TraceID: stored.TraceID, Query: stored.Query, Events: stored.Events})
}

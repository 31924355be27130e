package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/docstore"
)

// maxUploadBytes caps an uploaded document body.
const maxUploadBytes = 10 * 1024 * 1024

// handleUploadDocument ingests a multipart document: a "file" part plus
// an optional "metadata" part holding a JSON object of string values.
func (s *Server) handleUploadDocument(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "missing file part", nil))
	}
	if fileHeader.Size > maxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody("file_too_large", "document exceeds upload limit", map[string]any{"limit_bytes": maxUploadBytes}))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "unreadable file part", nil))
	}
	defer file.Close()

	body, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "unreadable file part", nil))
	}
	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "document is empty", nil))
	}
	if int64(len(body)) > maxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody("file_too_large", "document exceeds upload limit", map[string]any{"limit_bytes": maxUploadBytes}))
	}

	metadata := map[string]string{}
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "metadata must be a JSON object of strings", nil))
		}
	}

	doc, err := s.docs.AddDocument(c.Request().Context(), string(body), fileHeader.Filename, metadata)
	if err != nil {
		s.logger.Error("document ingest failed",
			zap.String("filename", fileHeader.Filename), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "document could not be indexed", nil))
	}

	return c.JSON(http.StatusCreated, DocumentUploadResponse{
		DocumentID: doc.DocumentID,
		Status:     doc.Status,
		Chunks:     doc.ChunkCount,
	})
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.docs.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("document_not_found", "document not found", nil))
		}
		s.logger.Error("document lookup failed", zap.String("document_id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "unexpected server error", nil))
	}
	return c.JSON(http.StatusOK, DocumentMetadataResponse{
		DocumentID: doc.DocumentID,
		Filename:   doc.Filename,
		UploadedAt: doc.UploadedAt.UTC().Format(time.RFC3339),
		SizeBytes:  doc.SizeBytes,
		Status:     doc.Status,
	})
}

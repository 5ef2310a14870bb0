// Package server exposes the document write path and the change stream API
// over HTTP. Writes append to the oplog when the collection is captured;
// the change stream endpoints drive the blocking cursor manager.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kiliton/mongo/cfg"
	"github.com/kiliton/mongo/cursor"
	"github.com/kiliton/mongo/id"
	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/pipeline"
)

// Handlers holds the wiring for the HTTP API.
type Handlers struct {
	log     oplog.Log
	cursors *cursor.Manager
	capture *CaptureFilter
	gen     id.Generator
	streams cfg.ChangeStreamConfiguration
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(l oplog.Log, cursors *cursor.Manager, capture *CaptureFilter, gen id.Generator, streams cfg.ChangeStreamConfiguration) *Handlers {
	return &Handlers{
		log:     l,
		cursors: cursors,
		capture: capture,
		gen:     gen,
		streams: streams,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func decodeDocument(r *http.Request) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid document body: %w", err)
	}
	return doc, nil
}

// capturedAppend records a change event unless the collection is excluded
// from capture.
func (h *Handlers) capturedAppend(collection string, op oplog.OpType, docKey string, doc map[string]interface{}) error {
	if !h.capture.Captures(collection) {
		return nil
	}
	_, err := h.log.Append(collection, op, docKey, doc)
	return err
}

// handleInsert handles POST /db/{collection}/documents
func (h *Handlers) handleInsert(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	doc, err := decodeDocument(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var docKey string
	switch v := doc["_id"].(type) {
	case string:
		docKey = v
	case nil:
	default:
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("_id must be a string, got %T", v))
		return
	}
	if docKey == "" {
		docKey = strconv.FormatUint(h.gen.NextID(), 16)
		doc["_id"] = docKey
	}

	if err := h.capturedAppend(collection, oplog.OpInsert, docKey, doc); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"_id": docKey})
}

// handleReplace handles PUT /db/{collection}/documents/{docID}
func (h *Handlers) handleReplace(w http.ResponseWriter, r *http.Request) {
	h.handleDocumentWrite(w, r, oplog.OpReplace)
}

// handleUpdate handles PATCH /db/{collection}/documents/{docID}
func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h.handleDocumentWrite(w, r, oplog.OpUpdate)
}

func (h *Handlers) handleDocumentWrite(w http.ResponseWriter, r *http.Request, op oplog.OpType) {
	collection := chi.URLParam(r, "collection")
	docID := chi.URLParam(r, "docID")

	doc, err := decodeDocument(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	doc["_id"] = docID

	if err := h.capturedAppend(collection, op, docID, doc); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"_id": docID})
}

// handleDeleteDocument handles DELETE /db/{collection}/documents/{docID}
func (h *Handlers) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	docID := chi.URLParam(r, "docID")

	if err := h.capturedAppend(collection, oplog.OpDelete, docID, nil); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"_id": docID})
}

// handleDropCollection handles DELETE /db/{collection}. Dropping emits a
// drop event followed by an invalidate, which exhausts every open change
// stream on the collection.
func (h *Handlers) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	if err := h.capturedAppend(collection, oplog.OpDrop, "", nil); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.capturedAppend(collection, oplog.OpInvalidate, "", nil); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("collection", collection).Msg("Collection dropped")
	writeJSONResponse(w, map[string]interface{}{"dropped": collection})
}

type openStreamRequest struct {
	Pipeline []pipeline.Stage `json:"pipeline"`
}

// handleOpenChangeStream handles POST /db/{collection}/changeStreams
func (h *Handlers) handleOpenChangeStream(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var req openStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	c, err := h.cursors.Open(collection, req.Pipeline)
	if err != nil {
		var evalErr *pipeline.EvaluationError
		if errors.As(err, &evalErr) {
			writeErrorResponse(w, http.StatusBadRequest, evalErr.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"cursorId":   c.ID(),
		"collection": collection,
	})
}

type getMoreRequest struct {
	MaxTimeMS int64 `json:"maxTimeMS"`
	BatchSize int   `json:"batchSize"`
}

type getMoreResponse struct {
	CursorID uint64               `json:"cursorId"`
	Batch    []pipeline.ChangeDoc `json:"batch"`
}

// handleGetMore handles POST /cursors/{cursorID}/getMore. The call blocks
// for up to maxTimeMS; a zero cursorId in the response means the stream
// was invalidated and the cursor no longer exists.
func (h *Handlers) handleGetMore(w http.ResponseWriter, r *http.Request) {
	cursorID, err := parseCursorID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req getMoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.MaxTimeMS < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "maxTimeMS must not be negative")
		return
	}

	maxTime := h.clampMaxTime(req.MaxTimeMS)
	batchSize := h.clampBatchSize(req.BatchSize)

	res, err := h.cursors.GetMore(r.Context(), cursorID, maxTime, batchSize)
	if err != nil {
		writeGetMoreError(w, cursorID, err)
		return
	}

	resp := getMoreResponse{CursorID: cursorID, Batch: res.Docs}
	if resp.Batch == nil {
		resp.Batch = []pipeline.ChangeDoc{}
	}
	if res.Outcome == cursor.Invalidated {
		resp.CursorID = 0
	}
	writeJSONResponse(w, resp)
}

// handleKillCursor handles DELETE /cursors/{cursorID}
func (h *Handlers) handleKillCursor(w http.ResponseWriter, r *http.Request) {
	cursorID, err := parseCursorID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.cursors.Kill(cursorID); err != nil {
		writeGetMoreError(w, cursorID, err)
		return
	}

	writeJSONResponse(w, map[string]interface{}{"killed": cursorID})
}

func writeGetMoreError(w http.ResponseWriter, cursorID uint64, err error) {
	var inUse *cursor.InUseError
	switch {
	case errors.Is(err, cursor.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("cursor %d not found", cursorID))
	case errors.As(err, &inUse):
		writeErrorResponse(w, http.StatusConflict, inUse.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func parseCursorID(r *http.Request) (uint64, error) {
	cursorID, err := strconv.ParseUint(chi.URLParam(r, "cursorID"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor ID: %w", err)
	}
	return cursorID, nil
}

// clampMaxTime bounds the client wait request by the configured ceiling.
// Zero stays zero: a single non-blocking poll.
func (h *Handlers) clampMaxTime(maxTimeMS int64) time.Duration {
	ceiling := int64(h.streams.MaxAwaitTimeMS)
	if maxTimeMS > ceiling {
		maxTimeMS = ceiling
	}
	return time.Duration(maxTimeMS) * time.Millisecond
}

func (h *Handlers) clampBatchSize(batchSize int) int {
	if batchSize <= 0 {
		return h.streams.DefaultBatchSize
	}
	if batchSize > h.streams.MaxBatchSize {
		return h.streams.MaxBatchSize
	}
	return batchSize
}

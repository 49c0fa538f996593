package server

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/ingest"
)

func (s *Server) handleIngestPrediction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			writeBodyTooLarge(w, maxBodyBytes)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "read body: "+err.Error())
		return
	}
	res, err := s.pipeline.HandleRaw(r.Context(), ingest.SourceHTTP, body)
	switch {
	case errors.Is(err, ingest.ErrInvalidPrediction):
		writeJSONError(w, http.StatusBadRequest, "invalid_prediction", err.Error())
	case err != nil:
		s.logger.Error("prediction ingest failed", zap.String("prediction_id", res.PredictionID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

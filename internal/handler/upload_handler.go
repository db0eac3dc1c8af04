package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/boddenberg/cheque-tally-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxUploadBytes caps a single ledger upload.
const maxUploadBytes = 20 << 20

// ============================================================
// Ledger uploads (multipart field "file")
// ============================================================

func uploadCompanyExpensesHandler(svc *service.IngestService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/company/upload-expenses")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		filename, data, ok := readUpload(w, r)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("file.size", len(data)))

		resp, err := svc.UploadCompanyExpenses(ctx, sessionID, UserIDFromContext(ctx), filename, data)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func uploadBankTransactionsHandler(svc *service.IngestService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sessions/{sessionId}/bank/upload-transactions")
		defer span.End()

		sessionID := chi.URLParam(r, "sessionId")
		filename, data, ok := readUpload(w, r)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("file.size", len(data)))

		resp, err := svc.UploadBankTransactions(ctx, sessionID, UserIDFromContext(ctx), filename, data)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// readUpload returns the name and content of the "file" form field. It
// writes the error response itself and reports false on failure.
func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return "", nil, false
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return "", nil, false
	}
	return header.Filename, data, true
}

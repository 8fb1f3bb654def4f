package ingest

import (
	"context"
	"io"
	"net/http"

	"grouping/internal/domain"
)

// AlertSink receives decoded alerts from ingest interfaces.
// Params: context and validated alert.
// Returns: whether a new group was created, and processing error.
type AlertSink interface {
	HandleAlert(ctx context.Context, alert domain.Alert) (bool, error)
}

// HTTPHandler decodes JSON alerts and forwards them to the pipeline.
// Params: sink receives validated alerts, max body limits payload size.
// Returns: HTTP handler for the alerts endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one alert or alert-batch request.
// Params: HTTP request/response writer pair.
// Returns: 201 when any alert created a group, 202 for pure updates,
// 400 on malformed payloads, 503 on pipeline failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	alerts, err := decodeAlertPayload(body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	anyCreated := false
	for _, alert := range alerts {
		created, handleErr := h.sink.HandleAlert(request.Context(), alert)
		if handleErr != nil {
			if domain.IsInvalidAlert(handleErr) {
				writer.WriteHeader(http.StatusBadRequest)
				return
			}
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		anyCreated = anyCreated || created
	}
	if anyCreated {
		writer.WriteHeader(http.StatusCreated)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

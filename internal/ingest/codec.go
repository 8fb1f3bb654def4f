package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"grouping/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	alerts []domain.Alert
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{alerts: make([]domain.Alert, 0, 16)}
	},
}

// decodeAlertPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one alert object or an array.
// Returns: validated alert slice.
func decodeAlertPayload(raw []byte) ([]domain.Alert, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	alerts, err := decodeAlertPayloadInto(raw, scratch)
	if err != nil {
		return nil, err
	}
	// The scratch buffer goes back to the pool, callers get a stable copy.
	out := make([]domain.Alert, len(alerts))
	copy(out, alerts)
	return out, nil
}

func decodeAlertPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.Alert, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeAlertBatchInto(decoder, scratch)
	}
	alert, err := decodeSingleAlert(decoder)
	if err != nil {
		return nil, err
	}
	alerts := scratch.alerts[:0]
	alerts = append(alerts, alert)
	scratch.alerts = alerts
	return alerts, nil
}

// decodeSingleAlert decodes one alert and rejects trailing JSON tokens.
// Params: json decoder for a single alert object.
// Returns: validated alert or decode error.
func decodeSingleAlert(decoder *json.Decoder) (domain.Alert, error) {
	alert, err := domain.DecodeAlertReader(decoder)
	if err != nil {
		return domain.Alert{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

func decodeAlertBatchInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.Alert, error) {
	alerts := scratch.alerts[:0]
	if err := decoder.Decode(&alerts); err != nil {
		return nil, fmt.Errorf("decode alert batch: %w", err)
	}
	if len(alerts) == 0 {
		return nil, errors.New("alert batch must contain at least one alert")
	}
	for i := range alerts {
		if err := alerts[i].Validate(); err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.alerts = alerts
	return alerts, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.alerts {
		scratch.alerts[i] = domain.Alert{}
	}
	if cap(scratch.alerts) > maxPooledBatchCapacity {
		scratch.alerts = make([]domain.Alert, 0, 16)
	} else {
		scratch.alerts = scratch.alerts[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

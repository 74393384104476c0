package webserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/zsprackett/flowsight-relay/internal/events"
)

var errNotObject = errors.New("body must be a single JSON object")

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	src, ok := events.ParseSource(r.PathValue("source"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook source")
		return
	}
	s.ingest(w, r, src)
}

// legacyWebhook serves the per-vendor paths senders were first configured with.
func (s *Server) legacyWebhook(src events.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.ingest(w, r, src)
	}
}

// ingest validates one webhook delivery and broadcasts it. The reply never
// depends on how many clients receive the event.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, src events.Source) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Webhook.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	if err := s.webhookAuth.Verify(r.Header, body); err != nil {
		s.logger.Warn("webhook: rejected", "source", src, "err", err, "request_id", requestIDFrom(r.Context()))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	payload, err := decodeObject(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hub.Broadcast(events.NewIntegrationEvent(src, payload, s.now()))
	s.logger.Info("webhook: received",
		"source", src,
		"type", describePayload(src, payload),
		"clients", s.hub.ClientCount(),
		"request_id", requestIDFrom(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// decodeObject parses exactly one JSON object. Numbers stay json.Number so
// large IDs survive the round trip to clients unchanged.
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return nil, errNotObject
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errNotObject
	}
	return m, nil
}

func describePayload(src events.Source, payload map[string]any) any {
	key := "type"
	if src == events.SourceAutomation {
		key = "workflowId"
	}
	if v, ok := payload[key]; ok {
		return v
	}
	return "event received"
}

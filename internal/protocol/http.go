package protocol

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"oidcagent/pkg/problems"
)

// RegisterHTTP mounts the message channel.
// POST /messages  body: { type, configurationName, tabId?, data }
func RegisterHTTP(r chi.Router, d *Dispatcher) {
	r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
		var m Message
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&m); err != nil {
			problems.Write(w, http.StatusBadRequest, "invalid-message", "Invalid message", "The message body is not a protocol message")
			return
		}
		reply, err := d.Dispatch(req.Context(), m)
		switch {
		case errors.Is(err, ErrUnknownCommand):
			w.WriteHeader(http.StatusNoContent)
			return
		case errors.Is(err, ErrMalformed):
			problems.Write(w, http.StatusBadRequest, "invalid-message", "Invalid message", err.Error())
			return
		case errors.Is(err, ErrUntrustedEndpoint):
			problems.Write(w, http.StatusForbidden, "untrusted-endpoint", "Untrusted endpoint", err.Error())
			return
		case err != nil:
			d.Log.Errorw("message failed", "type", m.Type, "configuration", m.ConfigurationName, "err", err)
			problems.Write(w, http.StatusInternalServerError, "message-failed", "Message failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	})
}

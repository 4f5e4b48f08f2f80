package policy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"oidcagent/pkg/problems"
)

// RegisterHTTP mounts a dry-run endpoint for the injection policy.
// POST /policy/decide  body: { configuration, url, method, mode, scheme }
func RegisterHTTP(r chi.Router, p *Injection) {
	r.Post("/policy/decide", func(w http.ResponseWriter, req *http.Request) {
		var in Input
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			problems.Write(w, http.StatusBadRequest, "invalid-input", "Invalid input", "Body must be a policy input object")
			return
		}
		if p == nil {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"allow": true, "policy": "none"})
			return
		}
		allow, err := p.Allow(req.Context(), in)
		if err != nil {
			problems.Write(w, http.StatusInternalServerError, "policy-error", "Policy evaluation failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"allow": allow, "policy": Query})
	})
}

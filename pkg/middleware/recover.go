// pkg/middleware/recover.go
package middleware

import (
	"net/http"
	"runtime/debug"

	"oidcagent/pkg/logger"
	"oidcagent/pkg/problems"
)

func Recover(log logger.Sugared) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Errorw("panic", "err", rec, "reqid", RequestIDFrom(r.Context()), "stack", string(debug.Stack()))
					problems.Write(w, http.StatusInternalServerError, "internal-error", "Internal error", "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

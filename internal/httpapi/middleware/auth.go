package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type workerKey struct{}

// Workers maps a worker name to its key. A key starting with "$2" is treated
// as a bcrypt hash.
type Workers map[string]string

func (w Workers) valid(name, key string) bool {
	want, ok := w[name]
	if !ok || key == "" {
		return false
	}
	if strings.HasPrefix(want, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(key)) == 1
}

// RequireWorker checks HTTP basic auth against the worker table and stores
// the worker name in the request context. With no workers configured every
// request passes and the basic-auth user name is taken as given (local dev).
func RequireWorker(workers Workers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, key, ok := r.BasicAuth()
			if len(workers) > 0 && (!ok || !workers.valid(name, key)) {
				w.Header().Set("WWW-Authenticate", `Basic realm="gefion"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			ctx := context.WithValue(r.Context(), workerKey{}, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WorkerName returns the authenticated worker, or "" outside RequireWorker.
func WorkerName(ctx context.Context) string {
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}

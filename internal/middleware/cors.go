package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns a configured CORS middleware handler. When permissiveDev is
// true, allowedOrigins is ignored and all origins are allowed: intended
// for local development only, never production.
func CORS(allowedOrigins []string, permissiveDev bool) func(next http.Handler) http.Handler {
	origins := allowedOrigins
	if permissiveDev || len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: !permissiveDev,
		MaxAge:           300,
	})
}


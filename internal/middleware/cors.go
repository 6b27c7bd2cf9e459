package middleware

import (
	"github.com/go-chi/cors"
)

// CORS returns cors.Options parameterized by the given allowed origins.
// The session travels in a cookie, so credentials are allowed unless "*"
// is configured (browsers reject credentials with a wildcard origin).
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID",
			"Retry-After",
			"X-RateLimit-Reset",
			"X-RateLimit-Limit-Hour", "X-RateLimit-Remaining-Hour",
			"X-RateLimit-Limit-Day", "X-RateLimit-Remaining-Day",
			"X-RateLimit-Limit-IP-Day", "X-RateLimit-Remaining-IP-Day",
			"X-RateLimit-Limit-Global-Day", "X-RateLimit-Remaining-Global-Day",
		},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// RouterOptions configure the middleware stack.
type RouterOptions struct {
	// IPRatePerMin limits requests per client IP; zero disables it.
	IPRatePerMin int
	// JWTSecret enables HS256 bearer-token auth on /api routes and /ws when set.
	JWTSecret string
}

type claimsKey struct{}

// Claims returns the JWT claims of an authenticated request.
func Claims(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return c, ok
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(r chi.Router, opts RouterOptions) {
	if opts.IPRatePerMin > 0 {
		r.Use(httprate.Limit(opts.IPRatePerMin, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/health", s.Health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(authMiddleware(opts.JWTSecret, s.logger))
		}
		r.Get("/ws", s.HandleWebSocket)
		r.Route("/api", func(r chi.Router) {
			r.Post("/items", s.PushItem)
			r.Post("/claims", s.ClaimItem)
			r.Post("/items/{id}/ack", s.AckItem)
			r.Post("/items/{id}/retry", s.RetryItem)
			r.Get("/stats", s.GetStats)
		})
	})
}

// Handler returns a router with every route mounted.
func (s *Server) Handler(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	s.SetupRoutes(r, opts)
	return r
}

func authMiddleware(jwtSecret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

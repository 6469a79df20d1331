// Package middleware provides HTTP middleware for authentication, request ids
// and rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: Bearer token authentication
//
//	authMW := middleware.NewAuthMiddleware(verifier, false)
//	router.Use(authMW.Handler)
//	// Verifies the token and attaches the auth.Identity to the request
//
// RequestID: Request correlation
//
//	router.Use(middleware.RequestID)
//	// Reuses or generates X-Request-ID; loggers pick it up from the context
//
// RateLimitMiddleware: Per-user or per-address limits
//
//	limiter := middleware.NewMemoryLimiter(middleware.DefaultRateLimitConfig())
//	// or, shared across replicas:
//	limiter := middleware.NewRedisLimiter(redisClient, cfg, "hearth:ratelimit")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// Authorization by role lives in pkg/rbac, which reads the identity set here.
package middleware

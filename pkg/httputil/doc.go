// Package httputil provides the JSON response, request parsing and small
// middleware helpers shared by the HTTP handlers.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteErrorMessage(w, http.StatusNotFound, "unknown capability")
//	httputil.WriteUnauthorized(w, "hearth", "invalid or expired token")
//
// Every error body has the shape {"error": "..."}.
//
// # Request Parsing
//
//	var req permissionsRequest
//	if err := httputil.ParseOptionalJSON(r, &req); err != nil { ... }
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//
// # Middleware
//
//	router.Use(
//		httputil.MaxBytesMiddleware(64 << 10),
//		httputil.ContentTypeMiddleware,
//	)
package httputil

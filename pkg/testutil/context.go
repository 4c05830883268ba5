package testutil

import (
	"net/http"
	"time"

	"ossgateway/pkg/requestcontext"
)

// WithRequestContext sets the request ID and request time the middleware
// would normally inject.
func WithRequestContext(req *http.Request, requestID string, now time.Time) *http.Request {
	ctx := requestcontext.WithRequestID(req.Context(), requestID)
	ctx = requestcontext.WithTime(ctx, now)
	return req.WithContext(ctx)
}

package httpapi

import "context"

// requestContext derives a handler context from the request that is also
// cancelled when base ends, so in-flight submits and cancels stop on shutdown.
// Request-scoped values (request id, logger) stay reachable.
func requestContext(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

package httpapi

import "context"

// baseCtx is canceled on process shutdown. Generate handlers derive session
// contexts from it so in-flight decode loops stop at their next step boundary
// even when the client connection stays open.
var baseCtx = context.Background()

// SetBaseContext installs the shutdown context consulted by generate handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		baseCtx = context.Background()
		return
	}
	baseCtx = ctx
}

// mergeContexts derives a context from shutdown that is also canceled when
// request ends. The returned cancel releases the watcher and must always be
// called.
func mergeContexts(shutdown, request context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(shutdown)
	stop := context.AfterFunc(request, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

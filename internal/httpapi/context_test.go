package httpapi

import (
	"context"
	"testing"
	"time"
)

func waitCanceled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context never canceled")
	}
}

func TestMergeContextsShutdown(t *testing.T) {
	shutdown, stop := context.WithCancel(context.Background())
	defer stop()
	request, done := context.WithCancel(context.Background())
	defer done()

	ctx, cancel := mergeContexts(shutdown, request)
	defer cancel()
	select {
	case <-ctx.Done():
		t.Fatal("merged context canceled with both parents live")
	default:
	}

	stop()
	waitCanceled(t, ctx)
}

func TestMergeContextsRequest(t *testing.T) {
	shutdown, stop := context.WithCancel(context.Background())
	defer stop()
	request, done := context.WithCancel(context.Background())

	ctx, cancel := mergeContexts(shutdown, request)
	defer cancel()

	done()
	waitCanceled(t, ctx)
	if shutdown.Err() != nil {
		t.Fatal("request cancel must not touch the shutdown context")
	}
}

func TestMergeContextsCancelFunc(t *testing.T) {
	ctx, cancel := mergeContexts(context.Background(), context.Background())
	cancel()
	waitCanceled(t, ctx)
}

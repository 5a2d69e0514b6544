package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogRecoverToReturn recovers from a panic, logs and forwards it to sentry
// and otel, then returns. Does nothing when there is no panic
func LogRecoverToReturn(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))
}

// LogRecoverToExit is LogRecoverToReturn followed by exiting with status 1
func LogRecoverToExit(ctx context.Context, loc string) {
	err := recover()
	if err == nil {
		return
	}

	HandleError(ctx, loc, err, string(debug.Stack()))

	// ensure that errors still get sent out
	ShutdownTracer(ctx)

	os.Exit(1)
}

func HandleError(ctx context.Context, loc string, err any, stack string) {
	msg := fmt.Sprintf("unhandled panic in %v: %v", loc, err)

	if hub := sentry.CurrentHub(); hub != nil {
		hub.Recover(err)
	}

	// always log to stderr (no WithContext!)
	log.WithFields(log.Fields{"loc": loc, "stack": stack}).Error(msg)

	if ctx != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("vigil.panic.loc", loc),
			attribute.String("vigil.panic.stack", stack),
		)
	}
}

// CaptureFatal sends a fatal startup error to sentry and waits for it to be
// delivered, since the process is about to exit
func CaptureFatal(err error) {
	if err == nil {
		return
	}

	hub := sentry.CurrentHub()
	if hub == nil || hub.Client() == nil {
		return
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		hub.CaptureException(err)
	})
	sentry.Flush(2 * time.Second)
}

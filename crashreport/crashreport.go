// Package crashreport handles errors raised while observing plugins and
// readers. They are always logged and, when a Sentry DSN is configured,
// reported to Sentry.
package crashreport

import (
	"fmt"
	"time"

	"github.com/MeneDev/scard-reader-service/plugin"
	"github.com/MeneDev/scard-reader-service/reader"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ reader.ObservationExceptionHandler = (*Reporter)(nil)
var _ plugin.ObservationExceptionHandler = (*Reporter)(nil)

type Reporter struct {
	hub *sentry.Hub
}

// Disabled returns a Reporter that only logs.
func Disabled() *Reporter {
	return &Reporter{}
}

// New reports to the Sentry project of options.Dsn. An empty DSN gives a
// Reporter that only logs.
func New(options sentry.ClientOptions) (*Reporter, error) {
	if options.Dsn == "" {
		return Disabled(), nil
	}
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.Wrap(err, "initializing sentry")
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *Reporter) Enabled() bool {
	return r.hub != nil
}

func (r *Reporter) OnPluginObservationError(pluginName string, err error) {
	log.Error().Str("plugin", pluginName).Err(err).Msg("Plugin observation failed")
	r.capture(err, map[string]string{"plugin": pluginName})
}

func (r *Reporter) OnReaderObservationError(pluginName string, readerName string, err error) {
	log.Error().Str("plugin", pluginName).Str("reader", readerName).Err(err).Msg("Reader observation failed")
	r.capture(err, map[string]string{"plugin": pluginName, "reader": readerName})
}

func (r *Reporter) capture(err error, tags map[string]string) {
	if r.hub == nil || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Recover reports a panic and panics again. It has to be deferred directly.
func (r *Reporter) Recover(context string) {
	v := recover()
	if v == nil {
		return
	}
	log.Error().Str("context", context).Str("panic", fmt.Sprint(v)).Msg("Panic")
	if r.hub != nil {
		r.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("panic_context", context)
			scope.SetLevel(sentry.LevelFatal)
			r.hub.Recover(v)
		})
		r.hub.Flush(2 * time.Second)
	}
	panic(v)
}

// Flush waits for buffered events. Call it before the application exits.
func (r *Reporter) Flush(timeout time.Duration) {
	if r.hub != nil {
		r.hub.Flush(timeout)
	}
}

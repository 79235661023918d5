package mid

import (
	"context"
	"net/http"

	"github.com/ardanlabs/blockforge/foundation/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of requests handled by route.",
	}, []string{"method", "route"})

	requestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "http",
		Name:      "errors_total",
		Help:      "Number of requests that returned an error.",
	})

	requestPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "http",
		Name:      "panics_total",
		Help:      "Number of requests that panicked.",
	})
)

// Metrics updates program counters.
func Metrics() web.Middleware {

	// This is the actual middleware function to be executed.
	m := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			// Call the next handler.
			err := handler(ctx, w, r)

			requestsTotal.WithLabelValues(r.Method, web.Route(ctx)).Inc()
			if err != nil {
				requestErrors.Inc()
			}

			// Return the error so it can be handled further up the chain.
			return err
		}

		return h
	}

	return m
}

package mid_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ardanlabs/blockforge/business/sys/validate"
	"github.com/ardanlabs/blockforge/business/web/errs"
	"github.com/ardanlabs/blockforge/business/web/mid"
	"github.com/ardanlabs/blockforge/foundation/web"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newApp(h web.Handler) *web.App {
	log := zap.NewNop().Sugar()

	app := web.NewApp(
		make(chan os.Signal, 1),
		mid.Logger(log),
		mid.Errors(log),
		mid.Metrics(),
		mid.Cors("*"),
		mid.Panics(),
	)
	app.Handle(http.MethodGet, "v1", "/test", h)

	return app
}

func TestErrors(t *testing.T) {
	type model struct {
		Leaf string `json:"leaf" validate:"required"`
	}

	tt := []struct {
		name   string
		h      web.Handler
		status int
		body   string
	}{
		{
			name: "ok",
			h: func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				return web.Respond(ctx, w, "ok", http.StatusOK)
			},
			status: http.StatusOK,
			body:   `"ok"`,
		},
		{
			name: "trusted",
			h: func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				return errs.NewTrusted(errors.New("block not found"), http.StatusNotFound)
			},
			status: http.StatusNotFound,
			body:   `{"error":"block not found"}`,
		},
		{
			name: "validation",
			h: func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				return validate.Check(model{})
			},
			status: http.StatusBadRequest,
			body:   `{"error":"data validation error","fields":{"leaf":"leaf is a required field"}}`,
		},
		{
			name: "untrusted",
			h: func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				return errors.New("disk on fire")
			},
			status: http.StatusInternalServerError,
			body:   `{"error":"Internal Server Error"}`,
		},
		{
			name: "panic",
			h: func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				panic("boom")
			},
			status: http.StatusInternalServerError,
			body:   `{"error":"Internal Server Error"}`,
		},
	}

	for _, tst := range tt {
		t.Run(tst.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newApp(tst.h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/test", nil))

			require.Equal(t, tst.status, w.Code)
			require.JSONEq(t, tst.body, w.Body.String())
			require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

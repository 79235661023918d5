package web_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ardanlabs/blockforge/foundation/web"
	"github.com/stretchr/testify/require"
)

func TestHandleParamsAndRespond(t *testing.T) {
	var order []string
	mw := func(name string) web.Middleware {
		return func(handler web.Handler) web.Handler {
			return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
				order = append(order, name)
				return handler(ctx, w, r)
			}
		}
	}

	app := web.NewApp(make(chan os.Signal, 1), mw("app"))

	var traceID string
	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		v, err := web.GetValues(ctx)
		if err != nil {
			return err
		}
		traceID = v.TraceID

		return web.Respond(ctx, w, map[string]string{"number": web.Param(r, "number")}, http.StatusOK)
	}
	app.Handle(http.MethodGet, "v1", "/blocks/:number", h, mw("route"))

	w := httptest.NewRecorder()
	app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/blocks/7", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"number":"7"}`, w.Body.String())
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Equal(t, []string{"app", "route"}, order)
	require.Len(t, traceID, 36)
}

func TestShutdownError(t *testing.T) {
	shutdown := make(chan os.Signal, 1)
	app := web.NewApp(shutdown)

	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return web.NewShutdownError("integrity issue")
	}
	app.Handle(http.MethodGet, "", "/boom", h)

	app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	select {
	case <-shutdown:
	default:
		t.Fatal("shutdown was not signaled")
	}

	require.True(t, web.IsShutdown(web.NewShutdownError("x")))
	require.False(t, web.IsShutdown(errors.New("x")))
}

func TestDecode(t *testing.T) {
	var v struct {
		Kind string `json:"kind"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"join"}`))
	require.NoError(t, web.Decode(r, &v))
	require.Equal(t, "join", v.Kind)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	require.Error(t, web.Decode(r, &v))
}

func TestRespondNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	require.Error(t, web.Respond(context.Background(), w, nil, http.StatusNoContent), "values are required")
}

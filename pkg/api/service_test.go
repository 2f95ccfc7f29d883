package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/pkg/api/handlers"
)

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	setupMiddleware(app, &Config{}, logrus.New())

	app.Get("/missing", func(_ fiber.Ctx) error { return fiber.NewError(fiber.StatusNotFound, "chunk not tracked") })
	app.Get("/broken", func(_ fiber.Ctx) error { return io.ErrUnexpectedEOF })

	tests := []struct {
		path    string
		code    int
		message string
	}{
		{path: "/missing", code: http.StatusNotFound, message: "chunk not tracked"},
		{path: "/broken", code: http.StatusInternalServerError, message: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			require.NoError(t, err)

			defer resp.Body.Close()

			var body struct {
				Error string `json:"error"`
				Code  int    `json:"code"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.message, body.Error)
		})
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewService(&Config{Enabled: false}, handlers.Deps{}, logrus.New())

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, (&Config{Enabled: true}).Validate(), ErrAPIAddrRequired)
	assert.NoError(t, (&Config{Enabled: false}).Validate())
	assert.Equal(t, []string{"*"}, (&Config{}).origins())
}

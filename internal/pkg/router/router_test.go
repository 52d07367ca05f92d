package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/goerror"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
)

type staticID string

func (s staticID) Generate() string { return string(s) }

func newTestRouter() *Router {
	return NewRouter(Config{UUID: staticID("generated"), Instrument: instrument.NewNoop()})
}

func serve(t *testing.T, r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {

	// Arrange
	r := newTestRouter()

	// Act
	rec := serve(t, r, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Assert
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Endpoint(t *testing.T) {

	t.Run("SuccessEnvelope", func(t *testing.T) {

		// Arrange
		r := newTestRouter()
		r.GET("/api/v1/items/:name", func(req *Request) (any, error) {
			return map[string]string{"name": req.GetParam("name")}, nil
		})

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/items/a", nil))

		// Assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"request has been successfully","data":{"name":"a"}}`, rec.Body.String())
	})

	t.Run("NoContent", func(t *testing.T) {

		// Arrange
		r := newTestRouter()
		r.POST("/x", func(*Request) (any, error) { return nil, nil })

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodPost, "/x", nil))

		// Assert
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("MapsGoError", func(t *testing.T) {

		// Arrange
		r := newTestRouter()
		r.POST("/x", func(*Request) (any, error) {
			return nil, goerror.NewInvalidInput(nil, "topic", "is required")
		})

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodPost, "/x", nil))

		// Assert
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.JSONEq(t, `{"message":"Validation error","error":{"topic":"is required"}}`, rec.Body.String())
	})

	t.Run("HidesUnknownError", func(t *testing.T) {

		// Arrange
		r := newTestRouter()
		r.POST("/x", func(*Request) (any, error) { return nil, errors.New("secret detail") })

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodPost, "/x", nil))

		// Assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret detail")
	})

	t.Run("RecoversPanic", func(t *testing.T) {

		// Arrange
		r := newTestRouter()
		r.GET("/boom", func(*Request) (any, error) { panic("boom") })

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodGet, "/boom", nil))

		// Assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Internal server error", body["message"])
	})

	t.Run("NotFound", func(t *testing.T) {

		// Act
		rec := serve(t, newTestRouter(), httptest.NewRequest(http.MethodGet, "/missing", nil))

		// Assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMiddlewareCorrelationID(t *testing.T) {
	var seen string
	r := newTestRouter()
	r.GET("/cid", func(req *Request) (any, error) {
		seen = instrument.GetCorrelationID(req.Context())
		return nil, nil
	})

	t.Run("EchoesHeader", func(t *testing.T) {

		// Arrange
		req := httptest.NewRequest(http.MethodGet, "/cid", nil)
		req.Header.Set(HeaderRequestID, "  abc  ")

		// Act
		rec := serve(t, r, req)

		// Assert
		assert.Equal(t, "abc", rec.Header().Get(HeaderCorrelationID))
		assert.Equal(t, "abc", seen)
	})

	t.Run("Generates", func(t *testing.T) {

		// Act
		rec := serve(t, r, httptest.NewRequest(http.MethodGet, "/cid", nil))

		// Assert
		assert.Equal(t, "generated", rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("PrefersCorrelationHeader", func(t *testing.T) {

		// Arrange
		req := httptest.NewRequest(http.MethodGet, "/cid", nil)
		req.Header.Set(HeaderCorrelationID, "corr")
		req.Header.Set(HeaderRequestID, "req")

		// Act
		rec := serve(t, r, req)

		// Assert
		assert.Equal(t, "corr", rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("FallsBackToTraceID", func(t *testing.T) {

		// Arrange
		req := httptest.NewRequest(http.MethodGet, "/cid", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		// Act
		rec := serve(t, r, req)

		// Assert
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get(HeaderCorrelationID))
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", seen)
	})

	t.Run("InvalidHeaderIsReplaced", func(t *testing.T) {

		// Arrange
		req := httptest.NewRequest(http.MethodGet, "/cid", nil)
		req.Header.Set(HeaderCorrelationID, "caf\u00e9")

		// Act
		rec := serve(t, r, req)

		// Assert
		assert.Equal(t, "generated", rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("Normalize", func(t *testing.T) {
		assert.Empty(t, NormalizeCorrelationID("a\r\nb"))
		assert.Empty(t, NormalizeCorrelationID("a\x00b"))
		assert.Equal(t, "a b", NormalizeCorrelationID(" a b "))
		assert.Len(t, NormalizeCorrelationID(strings.Repeat("x", 200)), maxCorrelationIDLen)
	})
}

func TestRequest_DecodeBody(t *testing.T) {
	type payload struct {
		Topic string `json:"topic"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "Valid", body: `{"topic":"t"}`},
		{name: "UnknownField", body: `{"topic":"t","x":1}`, wantErr: true},
		{name: "Trailing", body: `{"topic":"t"}{}`, wantErr: true},
		{name: "Malformed", body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			// Arrange
			req := &Request{Request: httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))}
			var dst payload

			// Act
			err := req.DecodeBody(&dst)

			// Assert
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t", dst.Topic)
		})
	}
}

func TestRequest_DecodeBodyTooLarge(t *testing.T) {

	// Arrange
	body := `{"topic":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	req := &Request{Request: httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))}
	var dst map[string]string

	// Act
	err := req.DecodeBody(&dst)

	// Assert
	var gerr *goerror.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "Request body too large", gerr.Msg())
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode())
}

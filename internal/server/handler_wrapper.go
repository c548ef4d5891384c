// Provides the generic adapter turning typed handler functions into
// http.Handlers.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync/atomic"

	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/server/ratelimit"
	"github.com/maruel/reconsole/internal/server/reqctx"
)

// Validatable is implemented by every request type.
type Validatable interface {
	Validate() error
}

// FormDecoder is implemented by request types accepting a form-encoded body.
type FormDecoder interface {
	DecodeForm(form url.Values) error
}

// env is what every wrapped handler needs besides its function. The
// configuration is swapped atomically by Router.Update.
type env struct {
	cfg atomic.Pointer[Config]
}

func (e *env) maxBodyBytes() int64 {
	if n := e.cfg.Load().MaxRequestBodyBytes; n > 0 {
		return n
	}
	return DefaultMaxRequestBodyBytes
}

// Wrap adapts fn to an http.Handler. The request body is decoded as JSON,
// or as a form when the content type says so and *In implements
// FormDecoder. Fields tagged `path:"name"` and `query:"name"` are then
// filled from the URL and the request is validated before fn is called.
func Wrap[In any, PtrIn interface {
	*In
	Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), e *env) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var ok bool
		if w, ok = checkRateLimit(ctx, w, r, e.cfg.Load().Limits); !ok {
			return
		}

		input := new(In)
		if !decodeBody(ctx, w, r, input, e.maxBodyBytes()) {
			return
		}
		populatePathParams(r, input)
		populateQueryParams(r, input)
		if err := PtrIn(input).Validate(); err != nil {
			slog.WarnContext(ctx, "Validation error", "err", err)
			writeError(ctx, w, err, http.StatusBadRequest, models.ErrorCodeValidationFailed)
			return
		}

		output, err := fn(ctx, PtrIn(input))
		if err != nil {
			writeError(ctx, w, err, http.StatusInternalServerError, models.ErrorCodeInternal)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(output); err != nil {
			slog.ErrorContext(ctx, "Failed to encode response", "err", err)
		}
	})
}

// checkRateLimit wraps w with the rate limit headers of the request's tier.
// It reports false after writing a 429 response.
func checkRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, limits *ratelimit.Config) (http.ResponseWriter, bool) {
	if limits == nil {
		return w, true
	}
	tier := limits.Match(r.Method, r.URL.Path)
	if tier == nil {
		return w, true
	}
	result := tier.Limiter.Allow(ratelimit.BuildKey(tier, reqctx.ClientIP(ctx)))
	w = ratelimit.NewResponseWriter(w, result)
	if !result.Allowed {
		slog.WarnContext(ctx, "Rate limited", "tier", tier.Name)
		writeAPIError(ctx, w, models.RateLimitExceeded(int(result.RetryAfter.Seconds())))
		return w, false
	}
	return w, true
}

// decodeBody reads the size-limited body into input. It reports false after
// writing an error response.
func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, input any, maxBytes int64) bool {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(ctx, w, models.PayloadTooLarge(maxErr.Limit))
			return false
		}
		slog.ErrorContext(ctx, "Failed to read request body", "err", err)
		writeAPIError(ctx, w, models.BadRequest("Failed to read request body"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if fd, ok := input.(FormDecoder); ok && ct == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err == nil {
			err = fd.DecodeForm(form)
		}
		if err != nil {
			slog.WarnContext(ctx, "Failed to decode form", "err", err)
			writeError(ctx, w, err, http.StatusBadRequest, models.ErrorCodeValidationFailed)
			return false
		}
		return true
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(input); err != nil {
		slog.WarnContext(ctx, "Failed to decode request body", "err", err)
		writeAPIError(ctx, w, models.BadRequest("Invalid request body"))
		return false
	}
	return true
}

// populatePathParams fills string fields tagged `path:"name"`.
func populatePathParams(r *http.Request, input any) {
	forEachTagged(input, "path", func(name string, f reflect.Value) {
		if v := r.PathValue(name); v != "" && f.Kind() == reflect.String {
			f.SetString(v)
		}
	})
}

// populateQueryParams fills string and integer fields tagged
// `query:"name"`.
func populateQueryParams(r *http.Request, input any) {
	q := r.URL.Query()
	forEachTagged(input, "query", func(name string, f reflect.Value) {
		v := q.Get(name)
		if v == "" {
			return
		}
		switch f.Kind() {
		case reflect.String:
			f.SetString(v)
		case reflect.Int, reflect.Int64:
			if i, err := strconv.ParseInt(v, 10, 64); err == nil {
				f.SetInt(i)
			}
		}
	})
}

func forEachTagged(input any, tag string, fn func(name string, f reflect.Value)) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer || val.Elem().Kind() != reflect.Struct {
		return
	}
	elem := val.Elem()
	typ := elem.Type()
	for i := range typ.NumField() {
		if name := typ.Field(i).Tag.Get(tag); name != "" {
			fn(name, elem.Field(i))
		}
	}
}

// writeError writes err as a structured error response. Errors that do not
// carry a status use the given status and code.
func writeError(ctx context.Context, w http.ResponseWriter, err error, status int, code models.ErrorCode) {
	var ews models.ErrorWithStatus
	if errors.As(err, &ews) {
		writeErrorResponse(ctx, w, ews.StatusCode(), ews.Code(), ews.Error(), ews.Details())
		return
	}
	writeErrorResponse(ctx, w, status, code, err.Error(), nil)
}

func writeAPIError(ctx context.Context, w http.ResponseWriter, apiErr *models.APIError) {
	writeErrorResponse(ctx, w, apiErr.StatusCode(), apiErr.Code(), apiErr.Error(), apiErr.Details())
}

func writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, code models.ErrorCode, msg string, details map[string]any) {
	if status >= 500 {
		slog.ErrorContext(ctx, "Handler error", "err", msg, "statusCode", status, "code", code)
	} else {
		slog.InfoContext(ctx, "Request rejected", "err", msg, "statusCode", status, "code", code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := models.ErrorResponse{Error: models.ErrorDetails{Code: code, Message: msg}, Details: details}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "Failed to encode error response", "err", err)
	}
}

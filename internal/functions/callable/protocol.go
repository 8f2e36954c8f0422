// Package callable serves Firebase-style callable functions over HTTP.
//
// Requests carry {"data": {...}}; successful responses are {"result": {...}}
// and failures are {"error": {"status": CODE, "message": MSG}}.
package callable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/auth"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
)

const requestBodyLimit = 1024 * 1024 // 1 MiB

// Code is a callable error status.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInternal           Code = "INTERNAL"
)

// HTTPStatus maps the code to the HTTP status used on the wire.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidArgument, CodeFailedPrecondition:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a callable failure reported to the client.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a callable error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a callable error that keeps cause for logging.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// ErrUnauthenticated is returned when a callable is invoked without a verified caller.
var ErrUnauthenticated = NewError(CodeUnauthenticated, "User must be authenticated")

// Func implements one callable for an authenticated caller.
type Func[Req, Resp any] func(ctx context.Context, caller *auth.Caller, req Req) (Resp, error)

type requestEnvelope[Req any] struct {
	Data *Req `json:"data"`
}

type resultEnvelope[Resp any] struct {
	Result Resp `json:"result"`
}

type errorBody struct {
	Status  Code   `json:"status"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Handle adapts fn to the callable wire protocol. Every callable requires a
// caller attached by auth.Middleware.
func Handle[Req, Resp any](method string, fn Func[Req, Resp]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := CodeOK
		defer func() {
			fnmetrics.CallableRequestsTotal.WithLabelValues(method, string(code)).Inc()
		}()

		fail := func(err *Error) {
			code = err.Code
			writeError(w, err)
		}

		if r.Method != http.MethodPost {
			fail(NewError(CodeInvalidArgument, "Request method must be POST"))
			return
		}

		caller, ok := auth.CallerFromContext(r.Context())
		if !ok {
			fail(ErrUnauthenticated)
			return
		}

		req, cerr := decodeRequest[Req](w, r)
		if cerr != nil {
			fail(cerr)
			return
		}

		resp, err := fn(r.Context(), caller, req)
		if err != nil {
			var callErr *Error
			if !errors.As(err, &callErr) {
				callErr = WrapError(CodeInternal, "INTERNAL", err)
			}
			if callErr.Code == CodeInternal {
				log.Error().Err(err).Str("method", method).Str("user_id", caller.UID).Msg("Callable failed")
			} else {
				log.Warn().Str("method", method).Str("user_id", caller.UID).Str("code", string(callErr.Code)).Msg(callErr.Message)
			}
			fail(callErr)
			return
		}

		writeJSON(w, http.StatusOK, resultEnvelope[Resp]{Result: resp})
	})
}

func decodeRequest[Req any](w http.ResponseWriter, r *http.Request) (Req, *Error) {
	var req Req

	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	var env requestEnvelope[Req]
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		var callErr *Error
		if errors.As(err, &callErr) {
			return req, callErr
		}
		return req, NewError(CodeInvalidArgument, "Request body must be a JSON object with a data field")
	}
	if env.Data != nil {
		req = *env.Data
	}

	if err := validateRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

// validateRequest runs struct validation for struct request types. Failing
// presence checks report every required field, matching the messages clients
// already display.
func validateRequest(req any) *Error {
	rv := reflect.ValueOf(req)
	if rv.Kind() != reflect.Struct {
		return nil
	}
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapError(CodeInvalidArgument, "Invalid request", err)
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return NewError(CodeInvalidArgument, requiredMessage(rv.Type()))
		}
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gt", "gte", "min":
		return NewError(CodeInvalidArgument, fmt.Sprintf("%s must be a positive integer", fe.Field()))
	default:
		return NewError(CodeInvalidArgument, fmt.Sprintf("%s is invalid", fe.Field()))
	}
}

func requiredMessage(t reflect.Type) string {
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		rules := strings.Split(f.Tag.Get("validate"), ",")
		for _, rule := range rules {
			if rule == "required" {
				names = append(names, strings.SplitN(f.Tag.Get("json"), ",", 2)[0])
				break
			}
		}
	}
	switch len(names) {
	case 0:
		return "Invalid request"
	case 1:
		return names[0] + " is required"
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are required"
	}
}

func writeError(w http.ResponseWriter, err *Error) {
	writeJSON(w, err.Code.HTTPStatus(), errorEnvelope{Error: errorBody{Status: err.Code, Message: err.Message}})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("callable: encode response")
	}
}

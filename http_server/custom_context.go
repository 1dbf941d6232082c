package http_server

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/danthegoodman1/icepart/coltypes"
	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/table"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type CustomContext struct {
	echo.Context
	RequestID string
}

type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id"`
}

func CreateReqContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqID := uuid.NewString()
		ctx := context.WithValue(c.Request().Context(), gologger.ReqIDKey, reqID)
		ctx = logger.WithContext(ctx)
		c.SetRequest(c.Request().WithContext(ctx))
		logger := zerolog.Ctx(ctx)
		logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("reqID", reqID)
		})
		c.Response().Header().Set(echo.HeaderXRequestID, reqID)
		cc := &CustomContext{
			Context:   c,
			RequestID: reqID,
		}
		return next(cc)
	}
}

// Casts to custom context for the handler, so this doesn't have to be done per handler
func ccHandler(h func(*CustomContext) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		return h(c.(*CustomContext))
	}
}

func (c *CustomContext) internalErrorMessage() string {
	return "internal error, request id: " + c.RequestID
}

func (c *CustomContext) InternalError(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		zerolog.Ctx(c.Request().Context()).Warn().CallerSkipFrame(1).Msg(err.Error())
	} else {
		zerolog.Ctx(c.Request().Context()).Error().CallerSkipFrame(1).Err(err).Msg(msg)
	}
	return c.String(http.StatusInternalServerError, c.internalErrorMessage())
}

// Fail answers with the status for err's kind. Errors of unknown kind are internal.
func (c *CustomContext) Fail(err error, msg string) error {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		return c.InternalError(err, msg)
	}
	zerolog.Ctx(c.Request().Context()).Debug().Err(err).Str("kind", kind).Msg(msg)
	return c.JSON(status, ErrorBody{Error: err.Error(), Kind: kind, RequestID: c.RequestID})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, part.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, part.ErrOverlap):
		return http.StatusConflict, "overlap"
	case errors.Is(err, metastore.ErrTableExists):
		return http.StatusConflict, "table_exists"
	case errors.Is(err, part.ErrMalformedPart):
		return http.StatusUnprocessableEntity, "malformed"
	case errors.Is(err, part.ErrCorruptPart):
		return http.StatusUnprocessableEntity, "corrupt"
	case errors.Is(err, part.ErrSchemaIncompatible):
		return http.StatusUnprocessableEntity, "schema_incompatible"
	case errors.Is(err, datastore.ErrCrossDevice):
		return http.StatusInsufficientStorage, "cross_device"
	case errors.Is(err, os.ErrExist):
		return http.StatusConflict, "exists"
	case errors.Is(err, metastore.ErrBadSchema), errors.Is(err, metastore.ErrBadAlter),
		errors.Is(err, coltypes.ErrBadValue), errors.Is(err, coltypes.ErrValueRange),
		errors.Is(err, partitioner.ErrBadKey), errors.Is(err, partitioner.ErrMissingColumns):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, table.ErrNothingToMerge):
		return http.StatusConflict, "nothing_to_merge"
	case errors.Is(err, table.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	}
	return http.StatusInternalServerError, ""
}

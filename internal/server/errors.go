package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/imageio"
	"github.com/andresmejia3/veil/internal/params"
	"github.com/gofiber/fiber/v2"
)

// Error codes returned in the "code" field of JSON error bodies.
const (
	CodeInvalidParameter = "InvalidParameter"
	CodeDecodeFailure    = "DecodeFailure"
	CodeDetectionFailure = "DetectionFailure"
	CodeSuperseded       = "Superseded"
	CodeTimeout          = "Timeout"
	CodeRateLimited      = "RateLimited"
	CodeInternal         = "Internal"
)

// Error carries the HTTP status and code an error is reported with.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an engine or decoding error onto its HTTP representation.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return &Error{Status: fe.Code, Code: strings.ReplaceAll(http.StatusText(fe.Code), " ", ""), Err: err}
	}

	switch {
	case errors.Is(err, params.ErrInvalidParameter):
		return &Error{Status: fiber.StatusBadRequest, Code: CodeInvalidParameter, Err: err}
	case errors.Is(err, imageio.ErrDecode):
		return &Error{Status: fiber.StatusBadRequest, Code: CodeDecodeFailure, Err: err}
	case errors.Is(err, engine.ErrDetection):
		return &Error{Status: fiber.StatusBadGateway, Code: CodeDetectionFailure, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Status: fiber.StatusGatewayTimeout, Code: CodeTimeout, Err: err}
	case errors.Is(err, engine.ErrSuperseded):
		return &Error{Status: fiber.StatusConflict, Code: CodeSuperseded, Err: err}
	}
	return &Error{Status: fiber.StatusInternalServerError, Code: CodeInternal, Err: err}
}

// errorHandler is the fiber error handler for errors that escape a handler.
func errorHandler(c *fiber.Ctx, err error) error {
	e := classify(err)
	return c.Status(e.Status).JSON(ErrorResponse{Error: e.Error(), Code: e.Code})
}

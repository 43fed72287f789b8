// Package apperr is the error taxonomy surfaced by the cart, order and
// payment services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindValidation
	KindInsufficientStock
	KindGateway
	KindSignatureInvalid
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindNotFound:          "not_found",
	KindForbidden:         "forbidden",
	KindValidation:        "validation",
	KindInsufficientStock: "insufficient_stock",
	KindGateway:           "gateway_error",
	KindSignatureInvalid:  "signature_invalid",
}

var kindStatus = map[Kind]int{
	KindInternal:          http.StatusInternalServerError,
	KindNotFound:          http.StatusNotFound,
	KindForbidden:         http.StatusForbidden,
	KindValidation:        http.StatusBadRequest,
	KindInsufficientStock: http.StatusBadRequest,
	KindGateway:           http.StatusBadGateway,
	KindSignatureInvalid:  http.StatusBadRequest,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) HTTPStatus() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrGateway           = &Error{Kind: KindGateway}
	ErrSignatureInvalid  = &Error{Kind: KindSignatureInvalid}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productID int64, available, requested int) *Error {
	return &Error{
		Kind: KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for product %d: available %d, requested %d",
			productID, available, requested),
	}
}

func Gateway(err error, format string, args ...any) *Error {
	return &Error{Kind: KindGateway, Message: fmt.Sprintf(format, args...), Err: err}
}

func SignatureInvalid(err error) *Error {
	return &Error{Kind: KindSignatureInvalid, Message: "invalid webhook signature", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// PublicMessage is the text safe to show a caller. Internal errors never
// expose their detail.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "an unexpected error occurred"
}

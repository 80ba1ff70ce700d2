// Package apperr is the error taxonomy surfaced by the service layer.
package apperr

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeEmptyCart          Code = "EMPTY_CART"
	CodeInsufficientStock  Code = "INSUFFICIENT_STOCK"
	CodeProductNotFound    Code = "PRODUCT_NOT_FOUND"
	CodePaymentUnavailable Code = "PAYMENT_UNAVAILABLE"
	CodeCheckoutFailed     Code = "CHECKOUT_FAILED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus    int
	PublicMessage string
	// DetailsAllowed controls whether the message and details reach the client.
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:         {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
	CodeUnauthorized:       {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeForbidden:          {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeNotFound:           {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found", DetailsAllowed: true},
	CodeEmptyCart:          {HTTPStatus: http.StatusBadRequest, PublicMessage: "El carrito está vacío", DetailsAllowed: true},
	CodeInsufficientStock:  {HTTPStatus: http.StatusBadRequest, PublicMessage: "Stock validation failed", DetailsAllowed: true},
	CodeProductNotFound:    {HTTPStatus: http.StatusBadRequest, PublicMessage: "Producto no encontrado en carrito", DetailsAllowed: true},
	CodePaymentUnavailable: {HTTPStatus: http.StatusServiceUnavailable, PublicMessage: "payment unavailable", DetailsAllowed: true},
	CodeCheckoutFailed:     {HTTPStatus: http.StatusInternalServerError, PublicMessage: "checkout failed"},
	CodeInternal:           {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error"},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

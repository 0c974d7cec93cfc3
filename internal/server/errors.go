package server

import (
	"errors"
	"net/http"

	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/types"
)

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

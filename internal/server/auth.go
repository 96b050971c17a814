package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const detailUnauthorized = "Unauthorized"

// AuthMiddleware checks the Authorization header against "Bearer <apiKey>".
// With an empty apiKey every request is let through.
func AuthMiddleware(apiKey string) echo.MiddlewareFunc {
	expected := []byte("Bearer " + apiKey)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			header := []byte(c.Request().Header.Get(echo.HeaderAuthorization))
			if len(header) == 0 || subtle.ConstantTimeCompare(header, expected) != 1 {
				return requestError{
					Status: http.StatusUnauthorized,
					Detail: detailUnauthorized,
				}
			}

			return next(c)
		}
	}
}

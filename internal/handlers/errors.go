package handlers

import (
	"errors"

	"github.com/labstack/echo/v4"

	"voicememo/internal/apperr"
)

// errorJSON はエラー種別に対応するステータスで {"error": ...} を返す
func errorJSON(c echo.Context, err error) error {
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Err != nil {
		// op のプレフィックスはクライアントに見せない
		msg = e.Err.Error()
	}
	return c.JSON(apperr.HTTPStatus(err), map[string]string{"error": msg})
}

package gateway

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

// Error 网关错误，Code 为 HTTP 状态码（0 表示传输层错误）
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

func (e *Error) StatusCode() int { return e.Code }

// asError 统一成 *Error：状态码错误保留码；熔断打开视为 503
func asError(err error) error {
	if err == nil {
		return nil
	}
	var gw *Error
	if errors.As(err, &gw) {
		return gw
	}
	var se *sdkhttp.StatusError
	if errors.As(err, &se) {
		return &Error{Code: se.Status, Message: fmt.Sprint(se.Body)}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Code: http.StatusServiceUnavailable, Message: err.Error()}
	}
	return &Error{Message: err.Error()}
}

// breakerFailure 只有 5xx、429 和传输错误计入熔断
func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *sdkhttp.StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

package api

import (
	"encoding/json"
	"net/http"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/task"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

// writeFailure 按错误码映射 HTTP 状态。
func writeFailure(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeError(w, statusFor(code), code, message)
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, task.CodeTaskCompleted:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder 捕获响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

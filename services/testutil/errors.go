package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeUnauthorized      = "UNAUTHORIZED"
	ErrorCodeForbidden         = "FORBIDDEN"
	ErrorCodeUnknownBroker     = "UNKNOWN_BROKER"
	ErrorCodeOrderNotFound     = "ORDER_NOT_FOUND"
	ErrorCodeBatchNotFound     = "BATCH_NOT_FOUND"
	ErrorCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrorCodeRequestInFlight   = "REQUEST_IN_FLIGHT"
	ErrorCodeBatchFailed       = "BATCH_FAILED"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) ErrorResponse {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
	return errResp
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeUnknownBroker:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeOrderNotFound, ErrorCodeBatchNotFound:
		return http.StatusNotFound
	case ErrorCodeIllegalTransition, ErrorCodeRequestInFlight, ErrorCodeBatchFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

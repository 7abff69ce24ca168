package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SetupWorkerCallbackMock creates a mock HTTP server standing in for a
// worker's status-check/result-submission endpoint, for tests that drive
// the dispatcher's publish path without a real worker process attached.
func SetupWorkerCallbackMock(t *testing.T, response map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if response == nil {
			response = map[string]interface{}{"ok": true}
		}
		json.NewEncoder(w).Encode(response)
	}))
}

// SetupCustomMock creates a custom mock server with a provided handler
func SetupCustomMock(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

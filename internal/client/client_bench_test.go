package client

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

// BenchmarkClient_BuildRequest benchmarks HTTP request construction.
func BenchmarkClient_BuildRequest(b *testing.B) {
	client, _ := NewOpenWeatherClient("test-api-key-12345", "https://api.openweathermap.org/data/2.5", 2*time.Second)
	ctx := context.Background()
	params := client.zipParams("90210")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = client.buildRequest(ctx, "/weather", params)
	}
}

// BenchmarkClient_HandleErrorResponse benchmarks error response handling.
func BenchmarkClient_HandleErrorResponse(b *testing.B) {
	resp := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       io.NopCloser(strings.NewReader("")),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = handleErrorResponse(resp)
	}
}

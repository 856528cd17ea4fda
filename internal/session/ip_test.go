package session

import (
	"net/http"
	"testing"
)

func newRequest(t *testing.T, remoteAddr string, headers map[string]string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "x-forwarded-for single",
			remoteAddr: "127.0.0.1:9999",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:       "203.0.113.5",
		},
		{
			name:       "x-forwarded-for chain takes first",
			remoteAddr: "127.0.0.1:9999",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1, 10.0.0.2"},
			want:       "203.0.113.5",
		},
		{
			name:       "x-forwarded-for wins over x-real-ip",
			remoteAddr: "127.0.0.1:9999",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.5",
				"X-Real-IP":       "198.51.100.7",
			},
			want: "203.0.113.5",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "127.0.0.1:9999",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
		{
			name:       "peer address",
			remoteAddr: "192.0.2.10:51234",
			want:       "192.0.2.10",
		},
		{
			name:       "peer address without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
		{
			name: "nothing usable",
			want: "0.0.0.0",
		},
		{
			name:       "empty forwarded header falls through",
			remoteAddr: "192.0.2.10:51234",
			headers:    map[string]string{"X-Forwarded-For": " "},
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRequest(t, tt.remoteAddr, tt.headers)
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

package metrics

import "testing"

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/api/files", "/api/files"},
		{"/api/files/stats", "/api/files/stats"},
		{"/api/files/3f2b9c1e-8d4a-4f6b-9e2a-1c0d5b7a9e11", "/api/files/{id}"},
		{"/api/files/3F2B9C1E-8D4A-4F6B-9E2A-1C0D5B7A9E11/download", "/api/files/{id}/download"},
		{"/api/files/not-an-id/download", "/api/files/not-an-id/download"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := RouteLabel(tt.path); got != tt.want {
			t.Errorf("RouteLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

package geo

import (
	"net/http/httptest"
	"testing"
)

func TestNilLocator(t *testing.T) {
	l, err := Open("")
	if err != nil || l != nil {
		t.Fatalf("Open(\"\") = %v, %v", l, err)
	}
	if got := l.Region("8.8.8.8"); got != "" {
		t.Errorf("Region = %q, want empty", got)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open("/nonexistent/GeoLite2-City.mmdb"); err == nil {
		t.Error("expected error for missing database")
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		proxies Proxies
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", proxies, nil, "203.0.113.9:5555", "203.0.113.9"},
		{"forwarded for", proxies, map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "10.0.0.2:1", "198.51.100.1"},
		{"spoofed leading hop", proxies, map[string]string{"X-Forwarded-For": "1.2.3.4, 198.51.100.1"}, "10.0.0.2:1", "198.51.100.1"},
		{"single address proxy", proxies, map[string]string{"X-Real-IP": "198.51.100.2"}, "192.0.2.7:1", "198.51.100.2"},
		{"cloudflare wins", proxies, map[string]string{"CF-Connecting-IP": "198.51.100.3", "X-Forwarded-For": "198.51.100.1"}, "10.0.0.2:1", "198.51.100.3"},
		{"untrusted peer", proxies, map[string]string{"CF-Connecting-IP": "198.51.100.3", "X-Forwarded-For": "198.51.100.1"}, "203.0.113.9:1", "203.0.113.9"},
		{"no proxies configured", nil, map[string]string{"X-Forwarded-For": "198.51.100.1", "X-Real-IP": "198.51.100.2"}, "10.0.0.2:1", "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := tt.proxies.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	for _, in := range []string{"proxy.local", "10.0.0.0/33"} {
		if _, err := ParseProxies([]string{in}); err == nil {
			t.Errorf("ParseProxies(%q) succeeded", in)
		}
	}
}

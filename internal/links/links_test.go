package links

import "testing"

func TestPaths(t *testing.T) {
	if got := FilePath("u1/my pics/a#1.png"); got != "/file/u1/my%20pics/a%231.png" {
		t.Errorf("FilePath = %q", got)
	}
	if got := SharePath("abc123"); got != "/s/abc123" {
		t.Errorf("SharePath = %q", got)
	}
	if got := Absolute("https://f.example.com/", "/s/abc"); got != "https://f.example.com/s/abc" {
		t.Errorf("Absolute = %q", got)
	}
	if got := Absolute("", "/s/abc"); got != "/s/abc" {
		t.Errorf("Absolute without base = %q", got)
	}
}

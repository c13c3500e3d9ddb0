package lcmstore

import "testing"

func TestSafeExtension(t *testing.T) {
	cases := []struct {
		mime, name, want string
	}{
		{"text/plain", "notes.TXT", "txt"},
		{"application/json", "data.json", "json"},
		{"image/png", "", "png"},
		{"", "", "txt"},
		{"weird/type!!", "file.exe##", "exe"},
	}
	for _, c := range cases {
		if got := SafeExtension(c.mime, c.name); got != c.want {
			t.Errorf("SafeExtension(%q, %q) = %q, want %q", c.mime, c.name, got, c.want)
		}
	}
}

package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cases := []struct{ in, want string }{
		{"", ""},
		{"/etc/gpusched.yaml", "/etc/gpusched.yaml"},
		{"~", home},
		{"~/conf/gpusched.yaml", filepath.Join(home, "conf", "gpusched.yaml")},
		{"~other/x", "~other/x"},
	}
	for _, c := range cases {
		got, err := ExpandHome(c.in)
		if err != nil || got != c.want {
			t.Fatalf("ExpandHome(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
	}
}

func TestFirstFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	dir := t.TempDir()

	cfg := filepath.Join(home, "gpusched.yaml")
	if err := os.WriteFile(cfg, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if IsFile(dir) {
		t.Fatalf("directory reported as file")
	}
	if got := FirstFile(filepath.Join(dir, "missing.yaml"), dir, "~/gpusched.yaml"); got != cfg {
		t.Fatalf("FirstFile = %q, want %q", got, cfg)
	}
	if got := FirstFile(filepath.Join(dir, "missing.yaml")); got != "" {
		t.Fatalf("FirstFile with no match = %q", got)
	}
}

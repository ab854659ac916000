// store_test.go covers the put/get/list/delete lifecycle and the
// not-found paths.
package profile

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := &Profile{
		Name:             "home",
		SSID:             "HomeNet",
		Passphrase:       "hunter22",
		Interface:        "wlan0",
		VirtualInterface: "xap0",
		Gateway:          "192.168.4.1/24",
		Channel:          6,
	}
	if err := s.Put(in); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := s.Get("home")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestPutRequiresName(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(&Profile{SSID: "anon"}); err == nil {
		t.Fatal("expected error for unnamed profile")
	}
}

func TestPutOverwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(&Profile{Name: "home", SSID: "old"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(&Profile{Name: "home", SSID: "new"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	p, err := s.Get("home")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.SSID != "new" {
		t.Errorf("ssid = %q, want new", p.SSID)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := s.Put(&Profile{Name: name, SSID: name}); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	profiles, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("list returned %d profiles, want 3", len(profiles))
	}

	if err := s.Delete("b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}

	profiles, err = s.List()
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(profiles) != 2 {
		t.Errorf("list returned %d profiles after delete, want 2", len(profiles))
	}
}

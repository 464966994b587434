package log

import "testing"

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warn", "error"} {
		if _, err := New(lvl, "json"); err != nil {
			t.Fatalf("level %q: %v", lvl, err)
		}
	}
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewFormats(t *testing.T) {
	if _, err := New("info", "console"); err != nil {
		t.Fatalf("console: %v", err)
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestComponentNilLogger(t *testing.T) {
	if Component(nil, "x") == nil {
		t.Fatalf("want non-nil logger")
	}
}

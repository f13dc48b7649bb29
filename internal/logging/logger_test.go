package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestCategoriesWriteToFile checks that enabled categories reach the log file
// and disabled categories stay silent.
func TestCategoriesWriteToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "marketwatch.log")

	err := Initialize(Config{
		Level:      "debug",
		Format:     "json",
		File:       logPath,
		Categories: map[string]bool{"images": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Browser("launched profile %s", "default")
	Recovery("restart #%d", 2)
	Images("this should not appear")
	Get(CategoryDedup).Debug("debug line")

	if err := Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)

	for _, want := range []string{"launched profile default", "restart #2", "debug line", `"logger":"browser"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "should not appear") {
		t.Errorf("disabled category wrote output:\n%s", out)
	}
}

func TestInitializeRejectsBadLevel(t *testing.T) {
	if err := Initialize(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
	if err := Initialize(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestDefaultLoggerIsNoop(t *testing.T) {
	l := Get(CategoryAPI)
	if l == nil || l.sugar == nil {
		t.Fatal("Get returned nil logger")
	}
	// Must not panic without Initialize.
	l.Info("hello %s", "world")
	l.With("request_id", "abc").Warn("warned")
}

package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	defer func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	}()

	t.Run("default values", func(t *testing.T) {
		Version, Commit, BuildTime = "dev", "unknown", "unknown"

		result := String()
		if result != "dev (unknown) built unknown" {
			t.Errorf("String() = %q, want %q", result, "dev (unknown) built unknown")
		}
	})

	t.Run("custom values", func(t *testing.T) {
		Version, Commit, BuildTime = "1.2.3", "abc1234", "2026-01-15T10:30:00Z"

		result := String()
		for _, want := range []string{"1.2.3", "abc1234", "2026-01-15T10:30:00Z"} {
			if !strings.Contains(result, want) {
				t.Errorf("String() = %q, should contain %q", result, want)
			}
		}
	})
}

func TestAgent(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "1.2.3"
	if got := Agent(); !strings.HasPrefix(got, "realtime-go/1.2.3 ") {
		t.Errorf("Agent() = %q, want prefix %q", got, "realtime-go/1.2.3 ")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/phi-sentinel/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 0.5, cfg.Detection.MinConfidence)
		assert.Equal(t, 30, cfg.Detection.ContextWindow)
		assert.Equal(t, []string{"all"}, cfg.Detection.Detectors)
		assert.Equal(t, 300*time.Second, cfg.Policy.SyncInterval)
		assert.Equal(t, DefaultVerbs, cfg.Protection.Verbs)
		assert.Contains(t, cfg.Roles, "doctor")
	})

	t.Run("MaskPatternsFromFile", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
masking:
  patterns:
    PHONE:
      type: show_last
      showLast: 2
      maskChar: "#"
      preserveFormat: true
`))
		require.NoError(t, err)

		var found bool
		for kind, p := range cfg.Masking.Patterns {
			if kind == "phone" || kind == "PHONE" {
				found = true
				assert.Equal(t, "show_last", p.Type)
				assert.Equal(t, 2, p.ShowLast)
				assert.Equal(t, "#", p.MaskChar)
				assert.True(t, p.PreserveFormat)
			}
		}
		assert.True(t, found)
	})

	t.Run("InvalidMaskPattern", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
masking:
  patterns:
    SSN:
      type: sideways
`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	})

	t.Run("InvalidConfidence", func(t *testing.T) {
		_, err := Load(writeConfig(t, "detection:\n  min_confidence: 1.5\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv("PHI_SENTINEL_ENCRYPTION_KEY", "from-env")
		cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Encryption.Key)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestMaskPatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern MaskPattern
		wantErr bool
	}{
		{"show last", MaskPattern{Type: MaskShowLast, ShowLast: 4}, false},
		{"custom", MaskPattern{Type: MaskCustom, ShowFirst: 1, MaskChar: "*"}, false},
		{"unknown type", MaskPattern{Type: "middle"}, true},
		{"negative", MaskPattern{Type: MaskShowFirst, ShowFirst: -1}, true},
		{"long mask char", MaskPattern{Type: MaskFull, MaskChar: "**"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pattern.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	_, err := Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	require.NoError(t, Watch(func(c *Config) { changed <- c }))

	// Give the watcher goroutine time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

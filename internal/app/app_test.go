package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

func testConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.Encryption.Key = "app-test-key"
	cfg.Policy.OfflineMode = true
	return cfg
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(testConfig(), logger.NewNop(), Options{})
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Cipher)
	require.NotNil(t, rt.Sessions)
	assert.NotNil(t, rt.Metrics)

	rt.LoadPolicy(ctx)
	st := rt.Policies.Status()
	assert.Equal(t, policy.StateReady, st.State)
	assert.Equal(t, policy.SourceDefault, st.Source)

	text := "My SSN is 123-45-6789"
	res, err := rt.Protector.Protect(text, protect.Options{RequestID: "r1"})
	require.NoError(t, err)
	assert.NotContains(t, res.Text, "123-45-6789")

	m, err := rt.Sessions.Append(ctx, "r1", res.Mapping)
	require.NoError(t, err)
	assert.Equal(t, text, protect.Restore(res.Text, m))

	assert.NoError(t, rt.Close())
}

func TestBuildWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.Encryption.Key = ""

	t.Run("Redacts", func(t *testing.T) {
		rt, err := Build(cfg, nil, Options{})
		require.NoError(t, err)
		defer rt.Close()
		assert.Nil(t, rt.Cipher)

		rt.LoadPolicy(context.Background())
		res, err := rt.Protector.Protect("My SSN is 123-45-6789", protect.Options{})
		require.NoError(t, err)
		assert.Equal(t, "My SSN is [REDACTED_SSN]", res.Text)
		assert.Empty(t, res.Mapping)
	})

	t.Run("Required", func(t *testing.T) {
		_, err := Build(cfg, nil, Options{RequireCipher: true})
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	})
}

func TestBuildRedactingLogger(t *testing.T) {
	cfg := testConfig()
	cfg.Logging.Redact = true

	obs, logs := observer.New(zap.InfoLevel)
	base := logger.Wrap(zap.New(obs))

	rt, err := Build(cfg, base, Options{})
	require.NoError(t, err)
	defer rt.Close()
	assert.NotSame(t, base, rt.Logger)

	rt.Logger.Info("Lookup for SSN 123-45-6789 finished", zap.String("note", "email jane.doe@example.org"))

	entries := logs.FilterMessageSnippet("Lookup for").All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Message, "123-45-6789")
	assert.NotContains(t, entries[0].ContextMap()["note"], "jane.doe@example.org")
}

func TestBuildSnapshotStore(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Snapshot.Backend = "file"
	cfg.Policy.Snapshot.Path = t.TempDir()

	rt, err := Build(cfg, nil, Options{})
	require.NoError(t, err)
	defer rt.Close()

	rt.LoadPolicy(context.Background())
	assert.Equal(t, policy.SourceDefault, rt.Policies.Status().Source)
}

func TestBuildErrors(t *testing.T) {
	t.Run("AuditWithoutURL", func(t *testing.T) {
		cfg := testConfig()
		cfg.Audit.Enabled = true
		_, err := Build(cfg, nil, Options{})
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	})

	t.Run("AuditSkipped", func(t *testing.T) {
		cfg := testConfig()
		cfg.Audit.Enabled = true
		rt, err := Build(cfg, nil, Options{SkipAudit: true})
		require.NoError(t, err)
		rt.Close()
	})

	t.Run("BadPattern", func(t *testing.T) {
		cfg := testConfig()
		cfg.Masking.Patterns = map[string]config.MaskPattern{"EMAIL": {Type: "sideways"}}
		_, err := Build(cfg, nil, Options{})
		assert.Error(t, err)
	})

	t.Run("UnknownSessionBackend", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sessions.Backend = "etcd"
		_, err := Build(cfg, nil, Options{})
		assert.True(t, errors.Is(err, core.ErrConfiguration))
	})
}

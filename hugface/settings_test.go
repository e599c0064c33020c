package hugface

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsStore_Defaults(t *testing.T) {
	hf, _ := newTestHugFace(t)

	settings, err := hf.settings.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, settings.Model)
	assert.Equal(t, DefaultMaxTokens, settings.MaxTokens)
	assert.True(t, settings.MentionEnabled)
	assert.True(t, settings.ReplyEnabled)
	assert.Equal(t, DBLogLevelInfo, settings.LogLevel)
	assert.Nil(t, settings.LegacyAPIKey)

	var count int64
	require.NoError(t, hf.db.Model(&Settings{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSettingsStore_SetModel(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	updated, err := hf.settings.SetModel(ctx, "meta-llama/Llama-3.1-8B-Instruct")
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", updated.Model)

	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", settings.Model)

	_, err = hf.settings.SetModel(ctx, strings.Repeat("x", 201))
	assert.ErrorIs(t, err, ErrInvalidSettings)

	settings, err = hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", settings.Model)
}

func TestSettingsStore_SetMaxTokens(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	updated, err := hf.settings.SetMaxTokens(ctx, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, updated.MaxTokens)

	for _, n := range []int{0, -5} {
		_, err = hf.settings.SetMaxTokens(ctx, n)
		assert.ErrorIs(t, err, ErrInvalidSettings)
	}

	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1024, settings.MaxTokens)
}

func TestSettingsStore_Toggles(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	enabled, err := hf.settings.ToggleMention(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = hf.settings.ToggleMention(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = hf.settings.ToggleReply(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.MentionEnabled)
	assert.False(t, settings.ReplyEnabled)
}

func TestSettingsStore_ConcurrentToggles(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	wg := &sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hf.settings.ToggleReply(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// an even number of toggles leaves the value unchanged
	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.ReplyEnabled)
}

func TestSettingsStore_UpdateError(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	_, err := hf.settings.Update(
		ctx, func(current *Settings) error {
			current.Model = "changed"
			return ErrInvalidSettings
		},
	)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, settings.Model)
}

func TestSettingsStore_SharedAPIToken(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	_, ok, err := hf.settings.SharedAPIToken(ctx, "openai", "api_key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, hf.settings.SetSharedAPIToken(ctx, "openai", "api_key", "first"))
	require.NoError(t, hf.settings.SetSharedAPIToken(ctx, "openai", "api_key", "second"))
	require.NoError(t, hf.settings.SetSharedAPIToken(ctx, "other", "api_key", "unrelated"))

	value, ok, err := hf.settings.SharedAPIToken(ctx, "openai", "api_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", value)

	var count int64
	require.NoError(t, hf.db.Model(&SharedAPIToken{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	key, err := hf.settings.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", key)
}

func TestSettingsStore_LegacyAPIKeyMigration(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	require.NoError(
		t,
		hf.db.Model(&Settings{}).
			Where("id = ?", settingsRowID).
			Update(columnSettingsLegacyAPIKey, "legacy-key").Error,
	)

	key, err := hf.settings.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", key)

	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	assert.Nil(t, settings.LegacyAPIKey)

	value, ok, err := hf.settings.SharedAPIToken(ctx, apiKeyService, apiKeyName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "legacy-key", value)

	// running again is a no-op
	key, err = hf.settings.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", key)
}

func TestSettingsStore_LegacyKeyIgnoredWhenSharedKeySet(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	require.NoError(t, hf.settings.SetSharedAPIToken(ctx, apiKeyService, apiKeyName, "shared"))
	require.NoError(
		t,
		hf.db.Model(&Settings{}).
			Where("id = ?", settingsRowID).
			Update(columnSettingsLegacyAPIKey, "legacy-key").Error,
	)

	key, err := hf.settings.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shared", key)
}

func TestSettingsStore_NoAPIKey(t *testing.T) {
	hf, _ := newTestHugFace(t)

	key, err := hf.settings.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", key)
}

func TestSettingsStore_SetAdminToken(t *testing.T) {
	hf, _ := newTestHugFace(t)
	ctx := context.Background()

	require.NoError(t, hf.settings.SetAdminToken(ctx, "letmein"))
	settings, err := hf.settings.Settings(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, settings.AdminTokenHash)

	valid, err := VerifyPassword(settings.AdminTokenHash, "letmein")
	require.NoError(t, err)
	assert.True(t, valid)

	rendered := settings.LogValue().String()
	assert.NotContains(t, rendered, settings.AdminTokenHash)
}

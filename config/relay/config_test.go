package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, "transcriptions", cfg.Supabase.Bucket)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, "128k", cfg.Audio.Bitrate)
	assert.Equal(t, "zoom_meeting", cfg.Session.FilePrefix)
	assert.Equal(t, 2*time.Second, cfg.Session.EntryDuration)
	assert.Equal(t, 1e6, cfg.Session.TimestampScale)
	assert.Equal(t, 256, cfg.Session.MailboxSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "8080")
	t.Setenv("ZOOM_APP_CLIENT_ID", "client")
	t.Setenv("SUPABASE_BUCKET", "audio")
	t.Setenv("BACKEND_API_URL", "https://api.test")
	t.Setenv("AUDIO_BITRATE", "64k")
	t.Setenv("SESSION_ENTRY_DURATION", "1500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "client", cfg.Zoom.ClientID)
	assert.Equal(t, "audio", cfg.Supabase.Bucket)
	assert.Equal(t, "https://api.test", cfg.Backend.ApiUrl)
	assert.Equal(t, "64k", cfg.Audio.Bitrate)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.EntryDuration)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SESSION_TIMESTAMP_SCALE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_TIMESTAMP_SCALE")
}

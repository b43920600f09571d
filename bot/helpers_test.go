package bot

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "Not Found", want: "Not Found"},
		{name: "exactly 32", in: strings.Repeat("x", 32), want: strings.Repeat("x", 32)},
		{name: "33", in: strings.Repeat("x", 33), want: strings.Repeat("x", 32) + "..."},
		{name: "multibyte", in: strings.Repeat("é", 40), want: strings.Repeat("é", 32) + "..."},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, shortMessage(tt.in))
			},
		)
	}
}

func TestUserMessage(t *testing.T) {
	err := &StatusError{Service: "Vesselfinder", StatusCode: 429, Status: "429 Too Many Requests"}
	assert.Equal(t, "Too Many Requests", userMessage(err))
	assert.Equal(t, "Vesselfinder returned 429 Too Many Requests", err.Error())

	wrapped := errors.Join(errors.New("lookup failed"), &StatusError{StatusCode: 599, Status: "599 Whatever"})
	assert.Equal(t, "599 Whatever", userMessage(wrapped))

	assert.Equal(t, "plain", userMessage(errors.New("plain")))
}

func TestVisibilityEphemeral(t *testing.T) {
	const guild = "g1"
	tests := []struct {
		name      string
		config    VisibilityConfig
		guildID   string
		channelID string
		want      bool
	}{
		{
			name:      "no guild configured",
			config:    VisibilityConfig{QuietChannelIDs: []string{"c1"}},
			guildID:   guild,
			channelID: "c1",
		},
		{
			name:      "other guild",
			config:    VisibilityConfig{GuildID: guild, QuietChannelIDs: []string{"c1"}},
			guildID:   "g2",
			channelID: "c1",
		},
		{
			name:      "quiet channel",
			config:    VisibilityConfig{GuildID: guild, QuietChannelIDs: []string{"c1"}},
			guildID:   guild,
			channelID: "c1",
			want:      true,
		},
		{
			name:      "not a quiet channel",
			config:    VisibilityConfig{GuildID: guild, QuietChannelIDs: []string{"c1"}},
			guildID:   guild,
			channelID: "c2",
		},
		{
			name:      "broadcast channel",
			config:    VisibilityConfig{GuildID: guild, BroadcastChannelIDs: []string{"general", "trading"}},
			guildID:   guild,
			channelID: "trading",
		},
		{
			name:      "outside broadcast channels",
			config:    VisibilityConfig{GuildID: guild, BroadcastChannelIDs: []string{"general", "trading"}},
			guildID:   guild,
			channelID: "support",
			want:      true,
		},
		{
			name:      "direct message",
			config:    VisibilityConfig{GuildID: guild, BroadcastChannelIDs: []string{"general"}},
			channelID: "dm",
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, tt.config.isEphemeral(tt.guildID, tt.channelID))
			},
		)
	}
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.Vessel.APIKey = "vessel-key"

	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "vessel-key")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, DefaultWebhookServerListen)
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	cfg.WebhookServer.ListenNetwork = "udp"
	assert.Error(t, ValidateConfig(cfg))
}

func TestDiscordUserAgent(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "DiscordBot (https://github.com/xrchz/xrbots, 1)", cfg.Discord.UserAgent())
}

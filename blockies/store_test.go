package blockies

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrchz/xrbots/bot"
)

func TestStoreIconPNG(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	data, err := store.IconPNG(ctx, addrAlice)
	require.NoError(t, err)
	expected, err := NewIdenticon(strings.ToLower(addrAlice.Hex())).PNG()
	require.NoError(t, err)
	assert.Equal(t, expected, data)

	again, err := store.IconPNG(ctx, addrAlice)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	var count int64
	require.NoError(t, store.db.Model(&IconRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStoreMessages(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestMessageID(ctx)
	require.NoError(t, err)
	assert.Empty(t, latest)

	require.NoError(
		t, store.SaveMessages(
			ctx, []AddressMessage{
				{ID: "900", Snowflake: 900, AuthorID: "u1", Content: "a"},
				{ID: "1000", Snowflake: 1000, AuthorID: "u2", Content: "b"},
			},
		),
	)
	// already stored messages are skipped
	require.NoError(
		t, store.SaveMessages(
			ctx, []AddressMessage{
				{ID: "1000", Snowflake: 1000, AuthorID: "u2", Content: "edited"},
				{ID: "950", Snowflake: 950, AuthorID: "u3", Content: "c"},
			},
		),
	)

	latest, err = store.LatestMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", latest)

	messages, err := store.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "1000", messages[0].ID)
	assert.Equal(t, "b", messages[0].Content)
	assert.Equal(t, "950", messages[1].ID)
	assert.Equal(t, "900", messages[2].ID)
}

func TestStoreAnnouncements(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	done, err := store.Announced(ctx, "u1", addrBob)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, store.RecordAnnouncement(ctx, &Announcement{UserID: "u1", Address: addrBob.Hex(), MessageID: "m1"}))

	done, err = store.Announced(ctx, "u1", addrBob)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = store.Announced(ctx, "u2", addrBob)
	require.NoError(t, err)
	assert.False(t, done)

	assert.Error(t, store.RecordAnnouncement(ctx, &Announcement{UserID: "u1", Address: addrBob.Hex()}))
}

func TestOpenStoreUnsupportedType(t *testing.T) {
	t.Parallel()
	cfg := bot.DefaultConfig().Blockies
	cfg.DatabaseType = "mysql"
	_, err := OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSnowflake(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(1234567890123456789), snowflake("1234567890123456789"))
	assert.Zero(t, snowflake("not-an-id"))
	assert.Equal(t, -1, compareSnowflakes("99", "100"))
}

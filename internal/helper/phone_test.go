package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTargetJID(t *testing.T) {
	t.Run("bare phone number", func(t *testing.T) {
		jid, err := FormatTargetJID("6285148107612")
		require.NoError(t, err)
		assert.Equal(t, "6285148107612@s.whatsapp.net", jid)
	})

	t.Run("formatted number is cleaned", func(t *testing.T) {
		jid, err := FormatTargetJID("+62 851-4810-7612")
		require.NoError(t, err)
		assert.Equal(t, "6285148107612@s.whatsapp.net", jid)
	})

	t.Run("existing jid passes through", func(t *testing.T) {
		jid, err := FormatTargetJID("120363041234567890@g.us")
		require.NoError(t, err)
		assert.Equal(t, "120363041234567890@g.us", jid)
	})

	t.Run("leading zeros stripped", func(t *testing.T) {
		jid, err := FormatTargetJID("0085148107612")
		require.NoError(t, err)
		assert.Equal(t, "85148107612@s.whatsapp.net", jid)
	})

	t.Run("invalid characters rejected", func(t *testing.T) {
		_, err := FormatTargetJID("abc123def")
		assert.Error(t, err)
	})

	t.Run("too short rejected", func(t *testing.T) {
		_, err := FormatTargetJID("12345")
		assert.Error(t, err)
	})
}

func TestExtractPhoneFromJID(t *testing.T) {
	assert.Equal(t, "6285148107612", ExtractPhoneFromJID("6285148107612:43@s.whatsapp.net"))
	assert.Equal(t, "6285148107612", ExtractPhoneFromJID("6285148107612@s.whatsapp.net"))
	assert.Equal(t, "6285148107612", ExtractPhoneFromJID("6285148107612"))
}

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrNotConnected,
		ErrNoConversationSelected,
		ErrConversationNotFound,
		ErrInvalidTitle,
		ErrEmptyMessage,
		ErrMessageTooLong,
		ErrNoToken,
		ErrMalformedFrame,
		ErrRemoteCall,
		ErrTransport,
		ErrInvalidCredentials,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
			assert.False(t, errors.Is(sentinels[i], sentinels[j]))
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("renaming conversation: %w", ErrRemoteCall)
	assert.ErrorIs(t, wrapped, ErrRemoteCall)
	assert.NotErrorIs(t, wrapped, ErrTransport)
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotConnected, "not connected to server"},
		{ErrNoConversationSelected, "no conversation selected"},
		{ErrMalformedFrame, "malformed inbound frame"},
		{ErrRemoteCall, "remote call failed"},
		{ErrTransport, "transport error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

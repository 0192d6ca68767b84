package bluez

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DBusErrorNames(t *testing.T) {
	tests := []struct {
		name     string
		busName  string
		expected Code
	}{
		{"permission denied", "org.bluez.Error.PermissionDenied", PermissionDenied},
		{"access denied", "org.freedesktop.DBus.Error.AccessDenied", PermissionDenied},
		{"not ready", "org.bluez.Error.NotReady", NotReady},
		{"not supported", "org.bluez.Error.NotSupported", NotSupported},
		{"unknown method", "org.freedesktop.DBus.Error.UnknownMethod", NotSupported},
		{"in progress", "org.bluez.Error.InProgress", InProgress},
		{"failed", "org.bluez.Error.Failed", Failed},
		{"timeout", "org.freedesktop.DBus.Error.Timeout", Timeout},
		{"no reply", "org.freedesktop.DBus.Error.NoReply", Timeout},
		{"invalid args", "org.freedesktop.DBus.Error.InvalidArgs", InvalidArgs},
		{"already exists", "org.bluez.Error.AlreadyExists", AlreadyExists},
		{"does not exist", "org.bluez.Error.DoesNotExist", NotFound},
		{"not connected", "org.bluez.Error.NotConnected", ConnectionFailed},
		{"disconnected", "org.freedesktop.DBus.Error.Disconnected", ConnectionFailed},
		{"something else", "org.example.Error.Bogus", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dbus.Error{Name: tt.busName, Body: []interface{}{"detail"}}
			classified := Classify(err)
			require.NotNil(t, classified)
			assert.Equal(t, tt.expected, classified.Code)
			assert.Equal(t, err, errors.Unwrap(classified))
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	classified := Classify(context.DeadlineExceeded)
	require.NotNil(t, classified)
	assert.Equal(t, Timeout, classified.Code)
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	orig := NewError(NotFound, "no adapters")
	assert.Same(t, orig, Classify(orig))
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestClassify_PlainErrorByMessage(t *testing.T) {
	classified := Classify(errors.New("operation NotReady right now"))
	require.NotNil(t, classified)
	assert.Equal(t, NotReady, classified.Code)
}

func TestErrorIs_MatchesByCode(t *testing.T) {
	err := NewError(Timeout, "call timed out")
	assert.ErrorIs(t, err, &Error{Code: Timeout})
	assert.NotErrorIs(t, err, &Error{Code: Failed})
}

// retryabilityTable is the full taxonomy. Every retry site must agree with
// it through the single IsRetryable predicate.
var retryabilityTable = map[Code]bool{
	PermissionDenied: false,
	NotReady:         true,
	NotSupported:     false,
	InProgress:       true,
	Failed:           true,
	Timeout:          true,
	InvalidArgs:      false,
	AlreadyExists:    false,
	NotFound:         false,
	ConnectionFailed: false,
	Unknown:          false,
}

func TestIsRetryable_FullTaxonomy(t *testing.T) {
	for code, want := range retryabilityTable {
		assert.Equalf(t, want, IsRetryable(code), "code %v", code)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, NotReady, CodeOf(NewError(NotReady, "x")))
	assert.Equal(t, Unknown, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New("mystery")))
}

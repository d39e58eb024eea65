package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusCalling, true},
		{StatusIdle, StatusRinging, true},
		{StatusIdle, StatusConnected, false},
		{StatusCalling, StatusConnected, true},
		{StatusCalling, StatusIdle, true},
		{StatusCalling, StatusRinging, false},
		{StatusRinging, StatusConnected, true},
		{StatusRinging, StatusIdle, true},
		{StatusRinging, StatusCalling, false},
		{StatusConnected, StatusIdle, true},
		{StatusConnected, StatusCalling, false},
		{StatusConnected, StatusRinging, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseCallType(t *testing.T) {
	assert.Equal(t, CallTypeVideo, ParseCallType("video"))
	assert.Equal(t, CallTypeVoice, ParseCallType("voice"))
	assert.Equal(t, CallTypeVoice, ParseCallType(""))
	assert.Equal(t, CallTypeVoice, ParseCallType("garbage"))
	assert.True(t, CallTypeVideo.WantsVideo())
	assert.False(t, CallTypeVoice.WantsVideo())
}

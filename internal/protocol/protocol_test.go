package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeShapesFrames(t *testing.T) {
	raw, err := Encode(UserListMessage([]string{"A", "B"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"updateUserList","data":{"users":["A","B"]}}`, string(raw))

	raw, err = Encode(JoinedMessage("alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"userJoinedMessage","data":{"text":"alice has joined the room"}}`, string(raw))

	raw, err = Encode(LeftMessage("bob"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"userLeftMessage","data":{"text":"bob has left the room"}}`, string(raw))
}

func TestEmptyUserListIsArray(t *testing.T) {
	raw, err := Encode(UserListMessage(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"updateUserList","data":{"users":[]}}`, string(raw))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "join", raw: `{"event":"joinRoom","data":{"roomId":"r1","username":"A"}}`},
		{name: "empty", raw: ``, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "no event", raw: `{"data":{}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFramePayload(t *testing.T) {
	f, err := Decode([]byte(`{"event":"codeChange","data":{"roomId":"r1","code":"print(1)"}}`))
	require.NoError(t, err)

	var change CodeChange
	require.NoError(t, f.Payload(&change))
	assert.Equal(t, CodeChange{RoomID: "r1", Code: "print(1)"}, change)

	empty := Frame{Event: EventLeaveRoom}
	assert.Error(t, empty.Payload(&LeaveRoom{}))

	bad := Frame{Event: EventCodeChange, Data: json.RawMessage(`"nope"`)}
	assert.Error(t, bad.Payload(&change))
}

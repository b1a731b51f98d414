package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeInbound_JoinFull(t *testing.T) {
	evt := DecodeInbound([]byte(`{"event":"join-room","data":{"roomId":"town","username":"Bob","userId":"u2","modelId":"ice-b","position":{"x":1,"y":0,"z":2}}}`))

	join, ok := evt.(JoinRoom)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, "town", join.RoomID)
	assert.Equal(t, "Bob", join.Username)
	assert.Equal(t, "u2", join.UserID)
	assert.Equal(t, "ice-b", join.ModelID)
	require.NotNil(t, join.Position)
	assert.Equal(t, Vec3{X: 1, Z: 2}, *join.Position)
}

func TestDecodeInbound_JoinMinimal(t *testing.T) {
	join, ok := DecodeInbound([]byte(`{"event":"join-room","data":{"roomId":"town"}}`)).(JoinRoom)
	require.True(t, ok)
	assert.Equal(t, JoinRoom{RoomID: "town"}, join)
}

func TestDecodeInbound_JoinInvalid(t *testing.T) {
	cases := map[string]string{
		"missing room":  `{"event":"join-room","data":{}}`,
		"empty room":    `{"event":"join-room","data":{"roomId":""}}`,
		"numeric room":  `{"event":"join-room","data":{"roomId":7}}`,
		"no data":       `{"event":"join-room"}`,
		"bad position":  `{"event":"join-room","data":{"roomId":"r","position":"here"}}`,
		"numeric name":  `{"event":"join-room","data":{"roomId":"r","username":3}}`,
		"array payload": `{"event":"join-room","data":[]}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			m, ok := DecodeInbound([]byte(frame)).(Malformed)
			require.True(t, ok)
			assert.Equal(t, EventJoinRoom, m.Event)
			assert.ErrorIs(t, m.Err, ErrMalformed)
		})
	}
}

func TestDecodeInbound_Move(t *testing.T) {
	move, ok := DecodeInbound([]byte(`{"event":"player-move","data":{"position":{"x":5,"y":0,"z":5},"rotation":1.57,"isMoving":true,"extra":1}}`)).(PlayerMove)
	require.True(t, ok)
	assert.Equal(t, PlayerMove{Position: Vec3{X: 5, Z: 5}, Rotation: 1.57, IsMoving: true}, move)
}

func TestDecodeInbound_MoveWithoutPosition(t *testing.T) {
	m, ok := DecodeInbound([]byte(`{"event":"player-move","data":{"rotation":1}}`)).(Malformed)
	require.True(t, ok)
	assert.ErrorIs(t, m.Err, ErrMalformed)
}

func TestDecodeInbound_MoveWrongType(t *testing.T) {
	_, ok := DecodeInbound([]byte(`{"event":"player-move","data":{"position":{"x":1,"y":0,"z":0},"isMoving":"yes"}}`)).(Malformed)
	assert.True(t, ok)
}

func TestDecodeInbound_Chat(t *testing.T) {
	chat, ok := DecodeInbound([]byte(`{"event":"chat-message","data":{"message":"hi"}}`)).(ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", chat.Message)

	_, ok = DecodeInbound([]byte(`{"event":"chat-message","data":{"message":1}}`)).(Malformed)
	assert.True(t, ok)
}

func TestDecodeInbound_Ping(t *testing.T) {
	assert.Equal(t, Ping{}, DecodeInbound([]byte(`{"event":"ping"}`)))
	assert.Equal(t, Ping{}, DecodeInbound([]byte(`{"event":"ping","data":{"anything":true}}`)))
}

func TestDecodeInbound_UnknownEvent(t *testing.T) {
	m, ok := DecodeInbound([]byte(`{"event":"teleport","data":{}}`)).(Malformed)
	require.True(t, ok)
	assert.Equal(t, "teleport", m.Event)
	assert.ErrorIs(t, m.Err, ErrUnknownEvent)
}

func TestDecodeInbound_Garbage(t *testing.T) {
	for _, frame := range []string{`not json`, `{}`, `{"data":{}}`, `[]`} {
		m, ok := DecodeInbound([]byte(frame)).(Malformed)
		require.True(t, ok, frame)
		assert.Empty(t, m.Event)
		assert.ErrorIs(t, m.Err, ErrMalformed)
	}
}

func TestEncode_RoomStateEmptyIsArray(t *testing.T) {
	frame, err := Encode(RoomState(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"room-state","data":[]}`, string(frame))
}

func TestEncode_PlayerLeftIsString(t *testing.T) {
	frame, err := Encode(PlayerLeft("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"player-left","data":"c1"}`, string(frame))
}

func TestEncode_PlayerJoinedFlattensMember(t *testing.T) {
	frame, err := Encode(PlayerJoined{Member: Member{ID: "c2", Username: "Bob", ModelID: "fire-a", Position: Vec3{X: 1, Z: 2}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"player-joined","data":{
		"id":"c2","position":{"x":1,"y":0,"z":2},"rotation":0,"username":"Bob","isMoving":false,
		"userId":"","modelId":"fire-a","lastUpdate":0,"chatMessage":"","chatMessageTime":0}}`, string(frame))
}

func TestEncode_PingHasNoData(t *testing.T) {
	frame, err := Encode(Ping{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(frame))
}

func TestEncode_ErrorNotice(t *testing.T) {
	frame, err := Encode(ErrorNotice{Message: JoinFailedMessage})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"message":"Failed to join room"}}`, string(frame))
}

func TestDecodeOutbound_UnknownEvent(t *testing.T) {
	_, err := DecodeOutbound([]byte(`{"event":"join-room","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeOutbound_WrongPayload(t *testing.T) {
	_, err := DecodeOutbound([]byte(`{"event":"pong","data":"late"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestProperty_OutboundSurvivesEncoding(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pos := Vec3{
			X: rapid.Float64Range(-1e6, 1e6).Draw(rt, "x"),
			Y: rapid.Float64Range(-1e6, 1e6).Draw(rt, "y"),
			Z: rapid.Float64Range(-1e6, 1e6).Draw(rt, "z"),
		}
		want := PlayerMoved{
			ID:        rapid.StringMatching(`[a-f0-9-]{1,36}`).Draw(rt, "id"),
			Position:  pos,
			Rotation:  rapid.Float64Range(-7, 7).Draw(rt, "rot"),
			IsMoving:  rapid.Bool().Draw(rt, "moving"),
			Timestamp: rapid.Int64Range(0, 1<<50).Draw(rt, "ts"),
		}
		frame, err := Encode(want)
		if err != nil {
			rt.Fatal(err)
		}
		got, err := DecodeOutbound(frame)
		if err != nil {
			rt.Fatal(err)
		}
		if got != want {
			rt.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

// Inbound frames produced by Encode decode back to the same variant.
func TestProperty_JoinEncodeDecode(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		want := JoinRoom{
			RoomID:   rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "room"),
			Username: rapid.StringMatching(`[A-Za-z ]{0,12}`).Draw(rt, "name"),
			UserID:   rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(rt, "user"),
		}
		frame, err := Encode(want)
		if err != nil {
			rt.Fatal(err)
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event != EventJoinRoom {
			rt.Fatalf("bad envelope %s: %v", frame, err)
		}
		got := DecodeInbound(frame)
		if got != want {
			rt.Fatalf("got %#v, want %#v", got, want)
		}
	})
}

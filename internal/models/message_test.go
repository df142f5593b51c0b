package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestDecode_Offer(t *testing.T) {
	raw := `{"type":"offer","payload":{"sdp":"v=0","targetUserId":"b"}}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, SignalTypeOffer, env.Type)

	offer, ok := env.Payload.(*Offer)
	require.True(t, ok, "payload type %T", env.Payload)
	require.Equal(t, "v=0", offer.SDP)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Description().Type)

	target, ok := env.Target()
	require.True(t, ok)
	require.Equal(t, "b", target)
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownType), "err=%v", err)
}

func TestDecode_ValidatesPayload(t *testing.T) {
	cases := map[string]string{
		"join without room":      `{"type":"join","payload":{"displayName":"x"}}`,
		"offer without target":   `{"type":"offer","payload":{"sdp":"v=0"}}`,
		"answer without sdp":     `{"type":"answer","payload":{"targetUserId":"a"}}`,
		"candidate without body": `{"type":"ice-candidate","payload":{"targetUserId":"a"}}`,
		"empty chat":             `{"type":"chat-message","payload":{"text":""}}`,
		"error without code":     `{"type":"error","payload":{"message":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestDecode_EmptyPayloadAllowedForLeave(t *testing.T) {
	env, err := Decode([]byte(`{"type":"leave"}`))
	require.NoError(t, err)
	require.IsType(t, &Leave{}, env.Payload)
}

func TestEnvelope_MarshalFlattensParticipantInfo(t *testing.T) {
	env := New(&UserJoined{ParticipantInfo{UserID: "a", Username: "Alice"}})
	env.From = "a"

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"user-joined","from":"a","payload":{"userId":"a","username":"Alice"}}`, string(data))
}

func TestEnvelope_MarshalRejectsMismatchedType(t *testing.T) {
	env := Envelope{Type: SignalTypeAnswer, Payload: &Offer{SDP: "v=0", TargetUserID: "b"}}
	_, err := json.Marshal(env)
	require.Error(t, err)
}

func TestEnvelope_TargetOnlyForPointToPoint(t *testing.T) {
	_, ok := New(&ChatMessage{Text: "hi"}).Target()
	require.False(t, ok)

	idx := uint16(0)
	env := New(&ICECandidate{
		Candidate:    webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMLineIndex: &idx},
		TargetUserID: "c",
	})
	target, ok := env.Target()
	require.True(t, ok)
	require.Equal(t, "c", target)
}

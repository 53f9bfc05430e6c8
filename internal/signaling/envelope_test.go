package signaling

import (
	"strings"
	"testing"
)

func TestParseValidEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		data string
		want Kind
	}{
		{
			name: "join request",
			data: `{"kind":"join-request","roomCode":"r1","identity":"alice"}`,
			want: KindJoinRequest,
		},
		{
			name: "call offer",
			data: `{"kind":"call-offer","to":"abc","sdp":{"type":"offer","sdp":"v=0"}}`,
			want: KindCallOffer,
		},
		{
			name: "forwarded incoming call",
			data: `{"kind":"incoming-call","from":"abc","sdp":{"type":"offer","sdp":"v=0"}}`,
			want: KindIncomingCall,
		},
		{
			name: "renegotiation answer",
			data: `{"kind":"renegotiation-answer","to":"abc","sdp":{"type":"answer","sdp":"v=0"}}`,
			want: KindRenegotiationAnswer,
		},
		{
			name: "media toggle",
			data: `{"kind":"media-toggle","media":{"kind":"audio","enabled":false}}`,
			want: KindMediaToggle,
		},
		{
			name: "leave",
			data: `{"kind":"leave"}`,
			want: KindLeave,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Parse([]byte(tc.data))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if env.Kind != tc.want {
				t.Fatalf("kind = %q, want %q", env.Kind, tc.want)
			}
		})
	}
}

func TestParseRejectsMalformedEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "not json",
			data:    `hello`,
			wantErr: "invalid character",
		},
		{
			name:    "unknown field",
			data:    `{"kind":"leave","bogus":true}`,
			wantErr: "unknown field",
		},
		{
			name:    "trailing data",
			data:    `{"kind":"leave"}{"kind":"leave"}`,
			wantErr: "trailing",
		},
		{
			name:    "unsupported kind",
			data:    `{"kind":"teleport"}`,
			wantErr: "unsupported envelope kind",
		},
		{
			name:    "join without identity",
			data:    `{"kind":"join-request","roomCode":"r1"}`,
			wantErr: "missing identity",
		},
		{
			name:    "offer without target",
			data:    `{"kind":"call-offer","sdp":{"type":"offer","sdp":"v=0"}}`,
			wantErr: "missing to/from",
		},
		{
			name:    "offer with answer sdp",
			data:    `{"kind":"call-offer","to":"abc","sdp":{"type":"answer","sdp":"v=0"}}`,
			wantErr: "sdp.type=offer",
		},
		{
			name:    "answer without sdp",
			data:    `{"kind":"call-answer","to":"abc"}`,
			wantErr: "sdp.type=answer",
		},
		{
			name:    "media toggle with bad kind",
			data:    `{"kind":"media-toggle","media":{"kind":"smell","enabled":true}}`,
			wantErr: "media-toggle has kind",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if err == nil {
				t.Fatalf("Parse accepted %s", tc.data)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSDPRoundTrip(t *testing.T) {
	s := SDP{Type: "offer", SDP: "v=0"}
	desc, err := s.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	back := SDPFromPion(desc)
	if back != s {
		t.Fatalf("round trip = %+v, want %+v", back, s)
	}

	if _, err := (SDP{Type: "rollback"}).ToPion(); err == nil {
		t.Fatalf("expected unsupported sdp type error")
	}
}

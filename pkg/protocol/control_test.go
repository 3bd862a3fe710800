package protocol

import "testing"

func TestPingPongRoundTrip(t *testing.T) {
	pp := PingPong{Timestamp: 1_700_000_123_456}
	got, err := DecodePingPong(EncodePingPong(&pp))
	if err != nil {
		t.Fatalf("DecodePingPong() error: %v", err)
	}
	if *got != pp {
		t.Fatalf("got %+v, want %+v", *got, pp)
	}
	if _, err := DecodePingPong([]byte{1, 2, 3}); err == nil {
		t.Fatal("DecodePingPong(short) succeeded")
	}
}

func TestCloseRoundTrip(t *testing.T) {
	tests := []CloseMessage{
		{Reason: CloseNormal},
		{Reason: CloseServerShutdown, Message: "sender stopping"},
		{Reason: CloseError, Message: "sync failed"},
	}
	for _, cm := range tests {
		t.Run(cm.Reason.String(), func(t *testing.T) {
			got, err := DecodeClose(EncodeClose(&cm))
			if err != nil {
				t.Fatalf("DecodeClose() error: %v", err)
			}
			if *got != cm {
				t.Fatalf("got %+v, want %+v", *got, cm)
			}
		})
	}
}

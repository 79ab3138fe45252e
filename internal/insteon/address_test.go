package insteon

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    Address
		wantErr bool
	}{
		{input: "3a.29.84", want: Address{0x3a, 0x29, 0x84}},
		{input: "3A2984", want: Address{0x3a, 0x29, 0x84}},
		{input: "3a:29:84", want: Address{0x3a, 0x29, 0x84}},
		{input: " 44-85-11 ", want: Address{0x44, 0x85, 0x11}},
		{input: "3a.29", wantErr: true},
		{input: "zz.29.84", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressFormatting(t *testing.T) {
	a := Address{0x0a, 0xbc, 0x01}
	if got := a.String(); got != "0a.bc.01" {
		t.Errorf("String() = %q, want 0a.bc.01", got)
	}
	if got := a.Hex(); got != "0abc01" {
		t.Errorf("Hex() = %q, want 0abc01", got)
	}
	if got := AddressFromUint32(a.Uint32()); got != a {
		t.Errorf("AddressFromUint32(Uint32()) = %v, want %v", got, a)
	}

	var b Address
	if err := b.UnmarshalText([]byte("0a.bc.01")); err != nil || b != a {
		t.Errorf("UnmarshalText() = %v, %v", b, err)
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want Flags
	}{
		{name: "direct std 3 hops", b: 0x0f, want: Flags{Type: TypeDirect, HopsLeft: 3, MaxHops: 3}},
		{name: "direct ack", b: 0x2b, want: Flags{Type: TypeDirectAck, HopsLeft: 2, MaxHops: 3}},
		{name: "ext direct", b: 0x1f, want: Flags{Type: TypeDirect, Extended: true, HopsLeft: 3, MaxHops: 3}},
		{name: "all-link broadcast", b: 0xcb, want: Flags{Type: TypeAllLinkBroadcast, HopsLeft: 2, MaxHops: 3}},
		{name: "cleanup", b: 0x41, want: Flags{Type: TypeAllLinkCleanup, HopsLeft: 0, MaxHops: 1}},
		{name: "direct nak", b: 0xaf, want: Flags{Type: TypeDirectNak, HopsLeft: 3, MaxHops: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFlags(tt.b)
			if got != tt.want {
				t.Errorf("ParseFlags(0x%02x) = %+v, want %+v", tt.b, got, tt.want)
			}
			if got.Byte() != tt.b {
				t.Errorf("Byte() = 0x%02x, want 0x%02x", got.Byte(), tt.b)
			}
		})
	}
}

func TestFlagsHops(t *testing.T) {
	f := Flags{Type: TypeDirectAck, HopsLeft: 1, MaxHops: 3}
	if got := f.HopsTaken(); got != 2 {
		t.Errorf("HopsTaken() = %d, want 2", got)
	}
	if got := f.Expiry(); got != StandardHopTime {
		t.Errorf("Expiry() = %v, want %v", got, StandardHopTime)
	}
	if got := NewFlags(TypeDirect, false, 7); got.MaxHops != 3 || got.HopsLeft != 3 {
		t.Errorf("NewFlags(hops=7) = %+v, want clamped to 3", got)
	}
}

func TestMessageGroup(t *testing.T) {
	bcast := Message{Kind: KindStandard, To: Address{0, 0, 0x04}, Flags: Flags{Type: TypeAllLinkBroadcast}}
	if g, ok := bcast.Group(); !ok || g != 0x04 {
		t.Errorf("broadcast Group() = %d, %v, want 4, true", g, ok)
	}
	cleanup := Message{Kind: KindStandard, Cmd2: 0x04, Flags: Flags{Type: TypeAllLinkCleanup}}
	if g, ok := cleanup.Group(); !ok || g != 0x04 {
		t.Errorf("cleanup Group() = %d, %v, want 4, true", g, ok)
	}
	direct := Message{Kind: KindStandard, Flags: Flags{Type: TypeDirect}}
	if _, ok := direct.Group(); ok {
		t.Error("direct message should have no group")
	}
}

func TestNakReason(t *testing.T) {
	nak := Message{Kind: KindStandard, Flags: Flags{Type: TypeDirectNak}, Cmd2: byte(NakPreNak)}
	if got := nak.NakReason(); got != NakPreNak || !got.Retryable() {
		t.Errorf("NakReason() = %v, want retryable pre-NAK", got)
	}
	if NakSenderNotInDB.Retryable() {
		t.Error("sender-not-in-db must not be retryable")
	}
}

func TestEngineChecksum(t *testing.T) {
	tests := []struct {
		engine EngineVersion
		want   Checksum
	}{
		{EngineI1, ChecksumXOR},
		{EngineI2, ChecksumSum},
		{EngineI2CS, ChecksumSum},
		{EngineUnknown, ChecksumSum},
	}
	for _, tt := range tests {
		if got := tt.engine.Checksum(); got != tt.want {
			t.Errorf("%v.Checksum() = %v, want %v", tt.engine, got, tt.want)
		}
	}
}

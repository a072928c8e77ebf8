package schema

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEffectTypeWireRoundTrip(t *testing.T) {
	for _, et := range []EffectType{EffectLog, EffectSwapQuote, EffectBalanceOf} {
		parsed, ok := ParseEffectType(et.Wire())
		if !ok {
			t.Fatalf("wire tag for %s did not parse", et)
		}
		if parsed != et {
			t.Fatalf("round trip mismatch: got %s want %s", parsed, et)
		}
	}
	if _, ok := ParseEffectType(asciiHash("NOT_A_TYPE")); ok {
		t.Fatal("garbage wire tag parsed")
	}
}

func TestSubscriptionTypeWireRoundTrip(t *testing.T) {
	for _, st := range []SubscriptionType{SubOHLC, SubBalance, SubPosition} {
		parsed, ok := ParseSubscriptionType(st.Wire())
		if !ok {
			t.Fatalf("wire tag for %s did not parse", st)
		}
		if parsed != st {
			t.Fatalf("round trip mismatch: got %s want %s", parsed, st)
		}
	}
}

func TestParseSubscriptionName(t *testing.T) {
	st, ok := ParseSubscriptionName("OHLC")
	if !ok || st != SubOHLC {
		t.Fatalf("parse OHLC: got %v %v", st, ok)
	}
	if _, ok := ParseSubscriptionName("CANDLES"); ok {
		t.Fatal("unknown name parsed")
	}
}

func TestEventTagsDistinct(t *testing.T) {
	tags := []struct {
		name string
		tag  common.Hash
	}{
		{"ohlc", EventOHLCUpdate},
		{"lifecycle", EventLifecycleTick},
		{"result", EventEffectResult},
	}
	for i := range tags {
		for j := i + 1; j < len(tags); j++ {
			if tags[i].tag == tags[j].tag {
				t.Fatalf("tags %s and %s collide", tags[i].name, tags[j].name)
			}
		}
	}
}

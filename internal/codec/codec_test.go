package codec

import (
	"bytes"
	stderrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"main/internal/schema"
)

var testStrategy = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestStepEventEncodeDecodeRoundTrip(t *testing.T) {
	orig := schema.StepEvent{
		EventType:    schema.EventOHLCUpdate,
		EventVersion: schema.EnvelopeVersion,
		Payload:      []byte("candle-data"),
	}

	encoded, err := EncodeStepEvent(orig)
	if err != nil {
		t.Fatalf("encode step event: %v", err)
	}
	decoded, err := DecodeStepEvent(encoded)
	if err != nil {
		t.Fatalf("decode step event: %v", err)
	}
	if decoded.EventType != orig.EventType {
		t.Fatalf("event type mismatch: got %s want %s", decoded.EventType.Hex(), orig.EventType.Hex())
	}
	if decoded.EventVersion != orig.EventVersion {
		t.Fatalf("event version mismatch: got %d want %d", decoded.EventVersion, orig.EventVersion)
	}
	if !bytes.Equal(decoded.Payload, orig.Payload) {
		t.Fatalf("payload mismatch: got %x want %x", decoded.Payload, orig.Payload)
	}
}

func TestEffectNeededEncodeDecodeRoundTrip(t *testing.T) {
	orig := schema.EffectRequest{
		Epoch:          42,
		IdempotencyKey: common.HexToHash("0xabcd"),
		EffectType:     schema.EffectSwapQuote,
		Payload:        []byte{0xde, 0xad, 0xbe, 0xef},
	}

	encoded, err := EncodeEffectNeeded(orig)
	if err != nil {
		t.Fatalf("encode effect needed: %v", err)
	}
	decoded, err := DecodeEffectNeeded(encoded)
	if err != nil {
		t.Fatalf("decode effect needed: %v", err)
	}
	if decoded.Epoch != orig.Epoch {
		t.Fatalf("epoch mismatch: got %d want %d", decoded.Epoch, orig.Epoch)
	}
	if decoded.IdempotencyKey != orig.IdempotencyKey {
		t.Fatalf("idempotency key mismatch: got %s want %s", decoded.IdempotencyKey.Hex(), orig.IdempotencyKey.Hex())
	}
	if decoded.EffectType != orig.EffectType {
		t.Fatalf("effect type mismatch: got %d want %d", decoded.EffectType, orig.EffectType)
	}
	if !bytes.Equal(decoded.Payload, orig.Payload) {
		t.Fatalf("payload mismatch: got %x want %x", decoded.Payload, orig.Payload)
	}
}

func TestDecodeEffectNeededRejectsUnknownType(t *testing.T) {
	orig := schema.EffectRequest{
		Epoch:          1,
		IdempotencyKey: common.HexToHash("0x01"),
		EffectType:     schema.EffectLog,
		Payload:        []byte{0x01},
	}
	encoded, err := EncodeEffectNeeded(orig)
	if err != nil {
		t.Fatalf("encode effect needed: %v", err)
	}
	// Overwrite the effect type word with garbage. The wire tag lives in
	// the third 32-byte slot after the selector.
	copy(encoded[4+64:4+96], []byte("NOPE"))

	if _, err := DecodeEffectNeeded(encoded); !stderrors.Is(err, ErrUnknownEffectType) {
		t.Fatalf("unknown effect type error: got %v want %v", err, ErrUnknownEffectType)
	}
}

func TestDecodeEffectNeededRejectsForeignSelector(t *testing.T) {
	data := make([]byte, 100)
	data[0] = 0xff
	if _, err := DecodeEffectNeeded(data); err == nil {
		t.Fatal("expected error for foreign selector")
	}
}

func TestExtractEffectIDIsPayloadPrefix(t *testing.T) {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	id, err := ExtractEffectID(payload)
	if err != nil {
		t.Fatalf("extract effect id: %v", err)
	}
	if !bytes.Equal(id[:], payload[:32]) {
		t.Fatalf("effect id mismatch: got %x want %x", id[:], payload[:32])
	}

	// The id of a hex-rendered payload is characters [2:66] of the string.
	wantHex := "0x" + common.Bytes2Hex(payload)[0:64]
	if id.Hex() != wantHex {
		t.Fatalf("hex form mismatch: got %s want %s", id.Hex(), wantHex)
	}
}

func TestExtractEffectIDShortPayload(t *testing.T) {
	if _, err := ExtractEffectID(make([]byte, 31)); !stderrors.Is(err, ErrShortEffectPayload) {
		t.Fatalf("short payload error: got %v want %v", err, ErrShortEffectPayload)
	}
}

func TestActionRequestedRoundTrip(t *testing.T) {
	payload := append(common.HexToHash("0x1234").Bytes(), []byte("swap-args")...)
	l, err := EncodeActionRequestedLog(testStrategy, schema.EffectSwapQuote, payload)
	if err != nil {
		t.Fatalf("encode action log: %v", err)
	}
	action, err := DecodeActionRequested(l)
	if err != nil {
		t.Fatalf("decode action log: %v", err)
	}
	if action.Strategy != testStrategy {
		t.Fatalf("strategy mismatch: got %s want %s", action.Strategy.Hex(), testStrategy.Hex())
	}
	if action.ActionType != schema.EffectSwapQuote {
		t.Fatalf("action type mismatch: got %d want %d", action.ActionType, schema.EffectSwapQuote)
	}
	if action.EffectID != common.HexToHash("0x1234") {
		t.Fatalf("effect id mismatch: got %s", action.EffectID.Hex())
	}
	if !bytes.Equal(action.Payload, payload) {
		t.Fatalf("payload mismatch: got %x want %x", action.Payload, payload)
	}
}

func TestSubscriptionEventRoundTrip(t *testing.T) {
	for _, subscribe := range []bool{true, false} {
		l, err := EncodeSubscriptionLog(testStrategy, schema.SubOHLC, []byte("BTCUSDT.1m"), subscribe)
		if err != nil {
			t.Fatalf("encode subscription log: %v", err)
		}
		if !IsSubscriptionLog(l) {
			t.Fatal("expected subscription log to be recognized")
		}
		ev, err := DecodeSubscriptionEvent(l)
		if err != nil {
			t.Fatalf("decode subscription log: %v", err)
		}
		if ev.Subscribe != subscribe {
			t.Fatalf("subscribe flag mismatch: got %v want %v", ev.Subscribe, subscribe)
		}
		if ev.Type != schema.SubOHLC {
			t.Fatalf("type mismatch: got %d want %d", ev.Type, schema.SubOHLC)
		}
		if string(ev.Payload) != "BTCUSDT.1m" {
			t.Fatalf("payload mismatch: got %s", ev.Payload)
		}
	}
}

func TestDecodeActionRequestedUnknownTopic(t *testing.T) {
	l := types.Log{Address: testStrategy, Topics: []common.Hash{common.HexToHash("0xdead")}}
	if _, err := DecodeActionRequested(l); !stderrors.Is(err, ErrUnknownEvent) {
		t.Fatalf("unknown topic error: got %v want %v", err, ErrUnknownEvent)
	}
	if IsSubscriptionLog(l) {
		t.Fatal("foreign topic misclassified as subscription log")
	}
	if _, err := DecodeActionRequested(types.Log{Address: testStrategy}); !stderrors.Is(err, ErrNoTopics) {
		t.Fatalf("no topics error: got %v want %v", err, ErrNoTopics)
	}
}

func TestFundingEventRoundTrips(t *testing.T) {
	reqs := []schema.PendingFundingRequest{
		{
			RequestID: common.HexToHash("0x01").Hex(),
			Strategy:  testStrategy,
			Owner:     common.HexToAddress("0x02"),
			Operation: schema.FundingWithdraw,
			Params: schema.WithdrawParams{
				Kind:      schema.WithdrawERC20,
				Token:     common.HexToAddress("0x03"),
				Amount:    big.NewInt(1000),
				Recipient: common.HexToAddress("0x04"),
			},
		},
		{
			RequestID: common.HexToHash("0x05").Hex(),
			Strategy:  testStrategy,
			Owner:     common.HexToAddress("0x02"),
			Operation: schema.FundingWithdraw,
			Params: schema.WithdrawParams{
				Kind:      schema.WithdrawETH,
				Amount:    big.NewInt(500),
				Recipient: common.HexToAddress("0x04"),
			},
		},
		{
			RequestID: common.HexToHash("0x06").Hex(),
			Strategy:  testStrategy,
			Owner:     common.HexToAddress("0x02"),
			Operation: schema.FundingEthBalanceUpdate,
			Params:    schema.WithdrawParams{Kind: schema.BalanceUpdate},
		},
	}

	for _, orig := range reqs {
		l, err := EncodeFundingLog(orig)
		if err != nil {
			t.Fatalf("encode funding log %s: %v", orig.Operation, err)
		}
		decoded, err := DecodeFundingEvent(l)
		if err != nil {
			t.Fatalf("decode funding log %s: %v", orig.Operation, err)
		}
		if decoded.RequestID != orig.RequestID {
			t.Fatalf("request id mismatch: got %s want %s", decoded.RequestID, orig.RequestID)
		}
		if decoded.Operation != orig.Operation {
			t.Fatalf("operation mismatch: got %s want %s", decoded.Operation, orig.Operation)
		}
		if decoded.Params.Kind != orig.Params.Kind {
			t.Fatalf("kind mismatch: got %d want %d", decoded.Params.Kind, orig.Params.Kind)
		}
		if orig.Params.Amount != nil && decoded.Params.Amount.Cmp(orig.Params.Amount) != 0 {
			t.Fatalf("amount mismatch: got %s want %s", decoded.Params.Amount, orig.Params.Amount)
		}
		if decoded.Params.Recipient != orig.Params.Recipient {
			t.Fatalf("recipient mismatch: got %s want %s", decoded.Params.Recipient.Hex(), orig.Params.Recipient.Hex())
		}
	}
}

func TestExecuteWithdrawCalldata(t *testing.T) {
	requestID := common.HexToHash("0x1234")
	data := ExecuteWithdrawCalldata(requestID)
	if len(data) != 36 {
		t.Fatalf("calldata length: got %d want 36", len(data))
	}
	if !bytes.Equal(data[4:], requestID[:]) {
		t.Fatalf("request id not embedded: got %x", data[4:])
	}
}

func TestSubmitEffectResultCalldataShape(t *testing.T) {
	data, err := SubmitEffectResultCalldata(7, common.HexToHash("0x0a"), true, []byte("result"))
	if err != nil {
		t.Fatalf("submit calldata: %v", err)
	}
	if len(data) < 4+128 {
		t.Fatalf("calldata too short: %d bytes", len(data))
	}
	step, err := StepCalldata(schema.StepEvent{EventType: schema.EventLifecycleTick, EventVersion: 1})
	if err != nil {
		t.Fatalf("step calldata: %v", err)
	}
	if bytes.Equal(step[:4], data[:4]) {
		t.Fatal("step and submitEffectResult selectors must differ")
	}
}

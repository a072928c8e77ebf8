package codec

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrNotEffectNeeded    = errors.New("revert is not EffectNeeded")
	ErrUnknownEffectType  = errors.New("unknown effect type")
	ErrShortEffectPayload = errors.New("effect payload shorter than 32 bytes")
)

var (
	stepSelector         = selector("step(bytes)")
	effectNeededSelector = selector("EffectNeeded(uint256,bytes32,bytes32,bytes)")
	submitResultSelector = selector("submitEffectResult(uint256,bytes32,bool,bytes)")

	stepArgs = abi.Arguments{
		{Name: "stepEvent", Type: typeBytes},
	}
	effectNeededArgs = abi.Arguments{
		{Name: "epoch", Type: typeUint256},
		{Name: "idempotencyKey", Type: typeBytes32},
		{Name: "effectType", Type: typeBytes32},
		{Name: "payload", Type: typeBytes},
	}
	submitResultArgs = abi.Arguments{
		{Name: "epoch", Type: typeUint256},
		{Name: "idempotencyKey", Type: typeBytes32},
		{Name: "success", Type: typeBool},
		{Name: "resultData", Type: typeBytes},
	}
)

// StepCalldata builds the calldata for step(bytes) around an encoded envelope.
func StepCalldata(ev schema.StepEvent) ([]byte, error) {
	envelope, err := EncodeStepEvent(ev)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	packed, err := stepArgs.Pack(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "pack step calldata")
	}
	return append(stepSelector[:], packed...), nil
}

// SubmitEffectResultCalldata builds the calldata for
// submitEffectResult(uint256,bytes32,bool,bytes).
func SubmitEffectResultCalldata(epoch uint64, key common.Hash, success bool, resultData []byte) ([]byte, error) {
	packed, err := submitResultArgs.Pack(new(big.Int).SetUint64(epoch), [32]byte(key), success, resultData)
	if err != nil {
		return nil, errors.Wrap(err, "pack submitEffectResult")
	}
	return append(submitResultSelector[:], packed...), nil
}

// EncodeEffectNeeded builds the revert data a strategy contract produces
// when it needs an off-chain effect. Used by tests and simulators.
func EncodeEffectNeeded(req schema.EffectRequest) ([]byte, error) {
	packed, err := effectNeededArgs.Pack(
		new(big.Int).SetUint64(req.Epoch),
		[32]byte(req.IdempotencyKey),
		[32]byte(req.EffectType.Wire()),
		req.Payload,
	)
	if err != nil {
		return nil, errors.Wrap(err, "pack EffectNeeded")
	}
	return append(effectNeededSelector[:], packed...), nil
}

// DecodeEffectNeeded parses revert data into an effect request. The
// strategy address is not part of the revert; callers fill it in.
// An unrecognized effect type is rejected here, at the decode boundary.
func DecodeEffectNeeded(data []byte) (schema.EffectRequest, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], effectNeededSelector[:]) {
		return schema.EffectRequest{}, ErrNotEffectNeeded
	}
	values, err := effectNeededArgs.Unpack(data[4:])
	if err != nil {
		return schema.EffectRequest{}, errors.Wrap(err, "unpack EffectNeeded")
	}
	effectType, ok := schema.ParseEffectType(common.Hash(values[2].([32]byte)))
	if !ok {
		return schema.EffectRequest{}, ErrUnknownEffectType
	}
	return schema.EffectRequest{
		Epoch:          values[0].(*big.Int).Uint64(),
		IdempotencyKey: common.Hash(values[1].([32]byte)),
		EffectType:     effectType,
		Payload:        values[3].([]byte),
	}, nil
}

// ExtractEffectID derives the deterministic effect id from an action
// payload: its first 32 bytes. Shorter payloads are a decode failure and
// map to the zero sentinel id upstream.
func ExtractEffectID(payload []byte) (common.Hash, error) {
	if len(payload) < 32 {
		return common.Hash{}, ErrShortEffectPayload
	}
	return common.BytesToHash(payload[:32]), nil
}

package codec

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	ErrShortEnvelope = errors.New("step event envelope too short")
)

var stepEventArgs = abi.Arguments{
	{Name: "eventType", Type: typeBytes32},
	{Name: "eventVersion", Type: typeUint32},
	{Name: "payload", Type: typeBytes},
}

// EncodeStepEvent packs a step event into its wire envelope:
// the ABI tuple (bytes32 eventType, uint32 eventVersion, bytes payload).
func EncodeStepEvent(ev schema.StepEvent) ([]byte, error) {
	return stepEventArgs.Pack([32]byte(ev.EventType), ev.EventVersion, ev.Payload)
}

// DecodeStepEvent unpacks a wire envelope back into a step event.
func DecodeStepEvent(data []byte) (schema.StepEvent, error) {
	values, err := stepEventArgs.Unpack(data)
	if err != nil {
		return schema.StepEvent{}, errors.Wrap(err, "unpack step event")
	}
	if len(values) != 3 {
		return schema.StepEvent{}, ErrShortEnvelope
	}
	return schema.StepEvent{
		EventType:    common.Hash(values[0].([32]byte)),
		EventVersion: values[1].(uint32),
		Payload:      values[2].([]byte),
	}, nil
}

package codec

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustType(solidity string) abi.Type {
	t, err := abi.NewType(solidity, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

var (
	typeBytes32 = mustType("bytes32")
	typeBytes   = mustType("bytes")
	typeUint256 = mustType("uint256")
	typeUint32  = mustType("uint32")
	typeBool    = mustType("bool")
	typeAddress = mustType("address")
)

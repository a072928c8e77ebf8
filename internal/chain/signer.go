package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/errors"
)

// Signer signs pre-built transactions. Implementations never perform
// RPC; the queue builds the full payload before handing it over.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// KeySigner signs with an in-process private key. Deployments wrap the
// external custody service instead; this covers development and tests.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	eip155  types.Signer
}

// NewKeySigner builds a signer from a hex-encoded private key.
func NewKeySigner(hexKey string, chainID *big.Int) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		eip155:  types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.eip155, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign tx")
	}
	return signed, nil
}

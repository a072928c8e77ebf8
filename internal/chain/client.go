package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/yanun0323/errors"
)

var (
	ErrReceiptTimeout = errors.New("receipt wait timed out")
)

// Client is the narrow RPC surface this system needs. *ethclient.Client
// satisfies it; tests use fakes.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RevertError is a call failure carrying revert data. The RPC layer
// produces an equivalent error; simulators and tests use this type.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	return "execution reverted"
}

// ErrorData mirrors the geth rpc.DataError accessor.
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(e.Data)
}

type dataError interface {
	ErrorData() interface{}
}

// RevertData extracts revert bytes from a CallContract error, whether it
// came from a live node or a simulator.
func RevertData(err error) ([]byte, bool) {
	var de dataError
	if !stderrors.As(err, &de) {
		return nil, false
	}
	switch v := de.ErrorData().(type) {
	case string:
		data, derr := hexutil.Decode(v)
		if derr != nil {
			return nil, false
		}
		return data, true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// WaitReceipt polls for a transaction receipt until timeout. A timeout
// is not fatal: the transaction may still land, so callers treat it as
// pending and leave reconciliation to the status watcher.
func WaitReceipt(ctx context.Context, c Client, txHash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

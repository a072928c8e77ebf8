package funding

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/errors"

	"main/internal/chain"
	"main/internal/codec"
	"main/internal/schema"
)

var balanceOfSel = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// ethReader is the slice of the RPC client the chain reader needs.
type ethReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainReader fetches authoritative balances from the node: BalanceAt
// for ETH, an eth_call to balanceOf for ERC-20 tokens.
type ChainReader struct {
	client ethReader
}

func NewChainReader(client ethReader) *ChainReader {
	return &ChainReader{client: client}
}

func (r *ChainReader) Balance(ctx context.Context, strategy, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		balance, err := r.client.BalanceAt(ctx, strategy, nil)
		if err != nil {
			return nil, errors.Wrap(err, "eth balance")
		}
		return balance, nil
	}

	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSel...)
	data = append(data, common.LeftPadBytes(strategy.Bytes(), 32)...)
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "erc20 balance")
	}
	if len(out) < 32 {
		return nil, errors.New("short balanceOf return")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

var _ BalanceReader = (*ChainReader)(nil)

// QueueWithdrawExecutor settles withdraw requests by enqueueing an
// executeWithdraw transaction against the strategy contract.
type QueueWithdrawExecutor struct {
	txq      chain.TxQueue
	gasLimit uint64
}

func NewQueueWithdrawExecutor(txq chain.TxQueue, gasLimit uint64) *QueueWithdrawExecutor {
	return &QueueWithdrawExecutor{txq: txq, gasLimit: gasLimit}
}

func (e *QueueWithdrawExecutor) Withdraw(ctx context.Context, req schema.PendingFundingRequest) (common.Hash, error) {
	calldata := codec.ExecuteWithdrawCalldata(common.HexToHash(req.RequestID))
	res, err := e.txq.Enqueue(ctx, req.Strategy, calldata, e.gasLimit)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "enqueue withdraw")
	}
	return res.TxHash, nil
}

var _ WithdrawExecutor = (*QueueWithdrawExecutor)(nil)

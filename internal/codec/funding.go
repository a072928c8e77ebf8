package codec

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var (
	erc20WithdrawTopic = crypto.Keccak256Hash([]byte("WithdrawRequested(bytes32,address,address,uint256,address)"))
	ethWithdrawTopic   = crypto.Keccak256Hash([]byte("EthWithdrawRequested(bytes32,address,uint256,address)"))
	ethBalanceTopic    = crypto.Keccak256Hash([]byte("EthBalanceUpdateRequested(bytes32,address)"))

	erc20WithdrawArgs = abi.Arguments{
		{Name: "requestId", Type: typeBytes32},
		{Name: "owner", Type: typeAddress},
		{Name: "token", Type: typeAddress},
		{Name: "amount", Type: typeUint256},
		{Name: "recipient", Type: typeAddress},
	}
	ethWithdrawArgs = abi.Arguments{
		{Name: "requestId", Type: typeBytes32},
		{Name: "owner", Type: typeAddress},
		{Name: "amount", Type: typeUint256},
		{Name: "recipient", Type: typeAddress},
	}
	ethBalanceArgs = abi.Arguments{
		{Name: "requestId", Type: typeBytes32},
		{Name: "owner", Type: typeAddress},
	}
)

// DecodeFundingEvent parses one of the three funding logs into a pending
// request. Returns ErrUnknownEvent for any other topic.
func DecodeFundingEvent(l types.Log) (schema.PendingFundingRequest, error) {
	if len(l.Topics) == 0 {
		return schema.PendingFundingRequest{}, ErrNoTopics
	}
	switch l.Topics[0] {
	case erc20WithdrawTopic:
		values, err := erc20WithdrawArgs.Unpack(l.Data)
		if err != nil {
			return schema.PendingFundingRequest{}, errors.Wrap(err, "unpack erc20 withdraw")
		}
		return schema.PendingFundingRequest{
			RequestID: common.Hash(values[0].([32]byte)).Hex(),
			Strategy:  l.Address,
			Owner:     values[1].(common.Address),
			Operation: schema.FundingWithdraw,
			Params: schema.WithdrawParams{
				Kind:      schema.WithdrawERC20,
				Token:     values[2].(common.Address),
				Amount:    values[3].(*big.Int),
				Recipient: values[4].(common.Address),
			},
			CreatedAt: time.Now(),
		}, nil
	case ethWithdrawTopic:
		values, err := ethWithdrawArgs.Unpack(l.Data)
		if err != nil {
			return schema.PendingFundingRequest{}, errors.Wrap(err, "unpack eth withdraw")
		}
		return schema.PendingFundingRequest{
			RequestID: common.Hash(values[0].([32]byte)).Hex(),
			Strategy:  l.Address,
			Owner:     values[1].(common.Address),
			Operation: schema.FundingWithdraw,
			Params: schema.WithdrawParams{
				Kind:      schema.WithdrawETH,
				Amount:    values[2].(*big.Int),
				Recipient: values[3].(common.Address),
			},
			CreatedAt: time.Now(),
		}, nil
	case ethBalanceTopic:
		values, err := ethBalanceArgs.Unpack(l.Data)
		if err != nil {
			return schema.PendingFundingRequest{}, errors.Wrap(err, "unpack eth balance update")
		}
		return schema.PendingFundingRequest{
			RequestID: common.Hash(values[0].([32]byte)).Hex(),
			Strategy:  l.Address,
			Owner:     values[1].(common.Address),
			Operation: schema.FundingEthBalanceUpdate,
			Params:    schema.WithdrawParams{Kind: schema.BalanceUpdate},
			CreatedAt: time.Now(),
		}, nil
	default:
		return schema.PendingFundingRequest{}, ErrUnknownEvent
	}
}

var executeWithdrawSel = selector("executeWithdraw(bytes32)")

// ExecuteWithdrawCalldata builds the calldata that settles a pending
// withdraw request on the strategy contract.
func ExecuteWithdrawCalldata(requestID common.Hash) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, executeWithdrawSel[:]...)
	data = append(data, requestID[:]...)
	return data
}

// EncodeFundingLog builds a synthetic funding log for tests.
func EncodeFundingLog(req schema.PendingFundingRequest) (types.Log, error) {
	requestID := common.HexToHash(req.RequestID)
	switch req.Params.Kind {
	case schema.WithdrawERC20:
		data, err := erc20WithdrawArgs.Pack([32]byte(requestID), req.Owner, req.Params.Token, req.Params.Amount, req.Params.Recipient)
		if err != nil {
			return types.Log{}, errors.Wrap(err, "pack erc20 withdraw")
		}
		return types.Log{Address: req.Strategy, Topics: []common.Hash{erc20WithdrawTopic}, Data: data}, nil
	case schema.WithdrawETH:
		data, err := ethWithdrawArgs.Pack([32]byte(requestID), req.Owner, req.Params.Amount, req.Params.Recipient)
		if err != nil {
			return types.Log{}, errors.Wrap(err, "pack eth withdraw")
		}
		return types.Log{Address: req.Strategy, Topics: []common.Hash{ethWithdrawTopic}, Data: data}, nil
	case schema.BalanceUpdate:
		data, err := ethBalanceArgs.Pack([32]byte(requestID), req.Owner)
		if err != nil {
			return types.Log{}, errors.Wrap(err, "pack eth balance update")
		}
		return types.Log{Address: req.Strategy, Topics: []common.Hash{ethBalanceTopic}, Data: data}, nil
	default:
		return types.Log{}, errors.New("unknown withdraw kind")
	}
}

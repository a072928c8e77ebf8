package chain

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrTxQueueFull    = errors.New("transaction queue full")
	ErrTxQueueStopped = errors.New("transaction queue stopped")
)

// CallResult is the outcome of one enqueued transaction. Pending means
// the transaction was broadcast but its receipt did not arrive within
// the timeout; reconciliation is left to a status watcher.
type CallResult struct {
	TxHash  common.Hash
	Receipt *types.Receipt
	Pending bool
}

// TxQueue funnels every write from the one operator account. The nonce
// space of that account is exclusively owned by a single instance.
type TxQueue interface {
	Enqueue(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (CallResult, error)
	PendingCount() int
}

// QueueConfig holds the knobs shared by both queue modes.
type QueueConfig struct {
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 60 * time.Second
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 500 * time.Millisecond
	}
	return c
}

// PipelinedQueue assigns nonces from an in-memory counter so concurrent
// callers broadcast without waiting on each other's receipts. The
// counter is read-and-incremented under the mutex before any network
// work, so no two callers ever see the same nonce. After a broadcast
// failure the consumed nonce leaves a gap; call ResetNonce to re-sync
// with the network.
type PipelinedQueue struct {
	client Client
	signer Signer
	cfg    QueueConfig

	mu          sync.Mutex
	initialized bool
	next        uint64

	pending atomic.Int64
}

// NewPipelinedQueue creates a pipelined queue. The network nonce is
// fetched lazily on first enqueue.
func NewPipelinedQueue(client Client, signer Signer, cfg QueueConfig) *PipelinedQueue {
	return &PipelinedQueue{client: client, signer: signer, cfg: cfg.withDefaults()}
}

// Enqueue assigns a nonce, builds and signs the transaction, broadcasts
// it, and waits for its receipt up to the configured timeout.
func (q *PipelinedQueue) Enqueue(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (CallResult, error) {
	q.pending.Add(1)
	defer q.pending.Add(-1)

	nonce, err := q.assignNonce(ctx)
	if err != nil {
		return CallResult{}, errors.Wrap(err, "assign nonce")
	}
	gasPrice, err := q.client.SuggestGasPrice(ctx)
	if err != nil {
		return CallResult{}, errors.Wrap(err, "suggest gas price")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := q.signer.SignTx(ctx, tx)
	if err != nil {
		return CallResult{}, errors.Wrap(err, "sign")
	}
	if err := q.client.SendTransaction(ctx, signed); err != nil {
		return CallResult{}, errors.Wrap(err, "broadcast")
	}
	hash := signed.Hash()
	receipt, err := WaitReceipt(ctx, q.client, hash, q.cfg.ReceiptTimeout, q.cfg.ReceiptPoll)
	if err != nil {
		if stderrors.Is(err, ErrReceiptTimeout) {
			logs.Warnf("receipt timeout for tx %s (nonce %d), leaving as pending", hash.Hex(), nonce)
			return CallResult{TxHash: hash, Pending: true}, nil
		}
		return CallResult{TxHash: hash}, err
	}
	return CallResult{TxHash: hash, Receipt: receipt}, nil
}

// PendingCount reports enqueue calls that have not completed.
func (q *PipelinedQueue) PendingCount() int {
	return int(q.pending.Load())
}

// ResetNonce re-reads the pending-inclusive network nonce. Use after a
// dropped or replaced transaction desyncs the local counter.
func (q *PipelinedQueue) ResetNonce(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nonce, err := q.client.PendingNonceAt(ctx, q.signer.Address())
	if err != nil {
		return errors.Wrap(err, "fetch network nonce")
	}
	q.next = nonce
	q.initialized = true
	return nil
}

func (q *PipelinedQueue) assignNonce(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		nonce, err := q.client.PendingNonceAt(ctx, q.signer.Address())
		if err != nil {
			return 0, err
		}
		q.next = nonce
		q.initialized = true
	}
	nonce := q.next
	q.next++
	return nonce, nil
}

type txRequest struct {
	ctx      context.Context
	to       common.Address
	data     []byte
	gasLimit uint64
	reply    chan txReply
}

type txReply struct {
	result CallResult
	err    error
}

// SerialQueue keeps at most one transaction in flight: each is fully
// broadcast and its receipt awaited before the next is dequeued.
// Trivially nonce-safe; throughput bound by block time.
type SerialQueue struct {
	client Client
	signer Signer
	cfg    QueueConfig

	running  atomic.Bool
	queue    chan txRequest
	inflight atomic.Int64
}

// NewSerialQueue creates a serial queue with the given backlog capacity.
func NewSerialQueue(client Client, signer Signer, capacity int, cfg QueueConfig) *SerialQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &SerialQueue{
		client: client,
		signer: signer,
		cfg:    cfg.withDefaults(),
		queue:  make(chan txRequest, capacity),
	}
}

// Run starts the single drain worker. Subsequent calls are no-ops.
func (q *SerialQueue) Run(ctx context.Context) {
	if q.running.Swap(true) {
		return
	}
	go func() {
		for {
			select {
			case req := <-q.queue:
				result, err := q.send(req)
				req.reply <- txReply{result: result, err: err}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Enqueue appends a transaction and blocks until it is fully resolved.
func (q *SerialQueue) Enqueue(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (CallResult, error) {
	req := txRequest{ctx: ctx, to: to, data: data, gasLimit: gasLimit, reply: make(chan txReply, 1)}
	select {
	case q.queue <- req:
	default:
		return CallResult{}, ErrTxQueueFull
	}
	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return CallResult{}, ctx.Err()
	}
}

// PendingCount reports queued plus in-flight transactions.
func (q *SerialQueue) PendingCount() int {
	return len(q.queue) + int(q.inflight.Load())
}

func (q *SerialQueue) send(req txRequest) (CallResult, error) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	ctx := req.ctx
	nonce, err := q.client.PendingNonceAt(ctx, q.signer.Address())
	if err != nil {
		return CallResult{}, errors.Wrap(err, "fetch nonce")
	}
	gasPrice, err := q.client.SuggestGasPrice(ctx)
	if err != nil {
		return CallResult{}, errors.Wrap(err, "suggest gas price")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.to,
		Gas:      req.gasLimit,
		GasPrice: gasPrice,
		Data:     req.data,
	})
	signed, err := q.signer.SignTx(ctx, tx)
	if err != nil {
		return CallResult{}, errors.Wrap(err, "sign")
	}
	if err := q.client.SendTransaction(ctx, signed); err != nil {
		return CallResult{}, errors.Wrap(err, "broadcast")
	}
	hash := signed.Hash()
	receipt, err := WaitReceipt(ctx, q.client, hash, q.cfg.ReceiptTimeout, q.cfg.ReceiptPoll)
	if err != nil {
		if stderrors.Is(err, ErrReceiptTimeout) {
			logs.Warnf("receipt timeout for tx %s, leaving as pending", hash.Hex())
			return CallResult{TxHash: hash, Pending: true}, nil
		}
		return CallResult{TxHash: hash}, err
	}
	return CallResult{TxHash: hash, Receipt: receipt}, nil
}

var (
	_ TxQueue = (*PipelinedQueue)(nil)
	_ TxQueue = (*SerialQueue)(nil)
)

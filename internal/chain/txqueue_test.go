package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeSigner struct {
	addr common.Address
}

func (s *fakeSigner) Address() common.Address { return s.addr }

func (s *fakeSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type fakeClient struct {
	mu           sync.Mutex
	networkNonce uint64
	sent         []*types.Transaction
	noReceipts   bool
	sendErr      error
	callReturns  [][]byte
	callErrs     []error
	calls        int
}

func (c *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.callErrs) && c.callErrs[i] != nil {
		return nil, c.callErrs[i]
	}
	if i < len(c.callReturns) {
		return c.callReturns[i], nil
	}
	return nil, nil
}

func (c *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.networkNonce, nil
}

func (c *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noReceipts {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
}

func (c *fakeClient) sentNonces() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonces := make([]uint64, 0, len(c.sent))
	for _, tx := range c.sent {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

func fastConfig() QueueConfig {
	return QueueConfig{ReceiptTimeout: 100 * time.Millisecond, ReceiptPoll: 5 * time.Millisecond}
}

func TestPipelinedQueueContiguousNonces(t *testing.T) {
	client := &fakeClient{networkNonce: 7}
	q := NewPipelinedQueue(client, &fakeSigner{}, fastConfig())

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Enqueue(context.Background(), common.HexToAddress("0x01"), []byte{byte(i)}, 100_000)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	nonces := client.sentNonces()
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	if len(nonces) != n {
		t.Fatalf("sent count: got %d want %d", len(nonces), n)
	}
	for i, nonce := range nonces {
		if nonce != uint64(7+i) {
			t.Fatalf("nonce %d: got %d want %d", i, nonce, 7+i)
		}
	}
	if q.PendingCount() != 0 {
		t.Fatalf("pending after drain: got %d want 0", q.PendingCount())
	}
}

func TestPipelinedQueueReceiptTimeoutIsPending(t *testing.T) {
	client := &fakeClient{noReceipts: true}
	q := NewPipelinedQueue(client, &fakeSigner{}, fastConfig())

	res, err := q.Enqueue(context.Background(), common.HexToAddress("0x01"), nil, 100_000)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !res.Pending {
		t.Fatal("expected pending result after receipt timeout")
	}
	if res.TxHash == (common.Hash{}) {
		t.Fatal("pending result must carry the broadcast hash")
	}
}

func TestPipelinedQueueResetNonce(t *testing.T) {
	client := &fakeClient{networkNonce: 3}
	q := NewPipelinedQueue(client, &fakeSigner{}, fastConfig())

	if _, err := q.Enqueue(context.Background(), common.HexToAddress("0x01"), nil, 100_000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	client.mu.Lock()
	client.networkNonce = 20
	client.mu.Unlock()
	if err := q.ResetNonce(context.Background()); err != nil {
		t.Fatalf("reset nonce: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), common.HexToAddress("0x01"), nil, 100_000); err != nil {
		t.Fatalf("enqueue after reset: %v", err)
	}
	nonces := client.sentNonces()
	if nonces[len(nonces)-1] != 20 {
		t.Fatalf("post-reset nonce: got %d want 20", nonces[len(nonces)-1])
	}
}

func TestSerialQueueResolvesInOrder(t *testing.T) {
	client := &fakeClient{networkNonce: 0}
	q := NewSerialQueue(client, &fakeSigner{}, 8, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Run(ctx)

	for i := 0; i < 3; i++ {
		res, err := q.Enqueue(ctx, common.HexToAddress("0x01"), []byte{byte(i)}, 100_000)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if res.Receipt == nil {
			t.Fatalf("enqueue %d: missing receipt", i)
		}
	}
	if got := len(client.sentNonces()); got != 3 {
		t.Fatalf("sent count: got %d want 3", got)
	}
}

func TestSerialQueueBacklogFull(t *testing.T) {
	client := &fakeClient{}
	q := NewSerialQueue(client, &fakeSigner{}, 1, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Not running, so the first enqueue parks in the backlog.
	go func() {
		_, _ = q.Enqueue(ctx, common.HexToAddress("0x01"), nil, 100_000)
	}()
	deadline := time.After(time.Second)
	for q.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("backlog never filled")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if _, err := q.Enqueue(context.Background(), common.HexToAddress("0x02"), nil, 100_000); !stderrors.Is(err, ErrTxQueueFull) {
		t.Fatalf("overflow: got %v want %v", err, ErrTxQueueFull)
	}
}

func TestRevertDataExtraction(t *testing.T) {
	payload := []byte{0xca, 0xfe, 0xba, 0xbe}
	data, ok := RevertData(&RevertError{Data: payload})
	if !ok {
		t.Fatal("revert data not recognized")
	}
	if len(data) != len(payload) || data[0] != 0xca {
		t.Fatalf("revert data mismatch: got %x want %x", data, payload)
	}
	if _, ok := RevertData(stderrors.New("plain failure")); ok {
		t.Fatal("plain error misread as revert")
	}
}

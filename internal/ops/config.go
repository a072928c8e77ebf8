package ops

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yanun0323/errors"

	"main/internal/bus"
	"main/internal/effects"
)

var (
	ErrNoStrategies = errors.New("no strategies configured")
	ErrNoRPCURL     = errors.New("chain rpc url is required")
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Chain      ChainConfig        `json:"chain"`
	Broker     BrokerConfig       `json:"broker"`
	Engine     EngineConfig       `json:"engine"`
	Loop       LoopConfig         `json:"loop"`
	Mock       effects.MockConfig `json:"mock"`
	Postgres   PostgresConfig     `json:"postgres"`
	Strategies []string           `json:"strategies"`
}

// ChainConfig describes the RPC endpoint and the operator account.
type ChainConfig struct {
	RPCURL         string        `json:"rpcUrl"`
	ChainID        int64         `json:"chainId"`
	OperatorKey    string        `json:"operatorKey"`
	GasLimit       uint64        `json:"gasLimit"`
	ReceiptTimeout time.Duration `json:"receiptTimeout"`
	ReceiptPoll    time.Duration `json:"receiptPoll"`
}

// BrokerConfig selects the broker backend. An empty URL with InMemory
// unset is rejected at wiring time, not here.
type BrokerConfig struct {
	URL      string `json:"url"`
	InMemory bool   `json:"inMemory"`
	QueueCap int    `json:"queueCap"`
}

// EngineConfig sizes the in-process effect engine and the worker pool.
type EngineConfig struct {
	QueueCapacity int `json:"queueCapacity"`
	Workers       int `json:"workers"`
}

// LoopConfig bounds the durable-await loops.
type LoopConfig struct {
	MaxIterations int           `json:"maxIterations"`
	EffectTimeout time.Duration `json:"effectTimeout"`
	Pooled        bool          `json:"pooled"`
}

// PostgresConfig enables the durable subscription store.
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Chain      ChainConfig
	Broker     BrokerConfig
	Engine     EngineConfig
	Loop       LoopConfig
	Mock       effects.MockConfig
	Postgres   PostgresConfig
	Strategies []common.Address
	Topology   bus.Topology
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "parse config")
	}
	return Resolve(cfg)
}

// Resolve validates a file config and fills defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	if cfg.Chain.RPCURL == "" {
		return Loaded{}, ErrNoRPCURL
	}
	if len(cfg.Strategies) == 0 {
		return Loaded{}, ErrNoStrategies
	}
	strategies := make([]common.Address, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if !common.IsHexAddress(s) {
			return Loaded{}, errors.New("invalid strategy address: " + s)
		}
		strategies = append(strategies, common.HexToAddress(s))
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = 10
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 3
	}
	if cfg.Engine.QueueCapacity <= 0 {
		cfg.Engine.QueueCapacity = 128
	}
	mock := cfg.Mock
	if isZeroMock(mock) {
		mock = effects.DefaultMockConfig()
	}
	return Loaded{
		Chain:      cfg.Chain,
		Broker:     cfg.Broker,
		Engine:     cfg.Engine,
		Loop:       cfg.Loop,
		Mock:       mock,
		Postgres:   cfg.Postgres,
		Strategies: strategies,
		Topology:   bus.DefaultTopology(),
	}, nil
}

// isZeroMock detects an absent mock section without poking at the
// decimal internals: marshal and inspect the JSON fields.
func isZeroMock(cfg effects.MockConfig) bool {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return true
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return true
	}
	for _, v := range probe {
		switch string(v) {
		case `""`, "null", "0", `"0"`:
		default:
			return false
		}
	}
	return true
}

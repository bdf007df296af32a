package cluster

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/10yihang/slotctl/internal/cluster/migrate"
	"github.com/10yihang/slotctl/internal/cluster/state"
	"github.com/10yihang/slotctl/internal/protocol"
)

// Commander is a command channel to one store node.
type Commander interface {
	Do(ctx context.Context, args ...string) (any, error)
	Close() error
}

// Dialer opens a command channel to addr. timeout bounds each command issued
// without a context deadline.
type Dialer func(ctx context.Context, addr string, timeout time.Duration) (Commander, error)

// DialRESP is the default Dialer: a plain TCP RESP2 connection.
func DialRESP(ctx context.Context, addr string, timeout time.Duration) (Commander, error) {
	c, err := protocol.Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Config struct {
	Dialer Dialer
	Logger logr.Logger

	DialTimeout    time.Duration
	CommandTimeout time.Duration

	// MigrateBatchSize is the number of keys listed and moved per MIGRATE.
	MigrateBatchSize int
	// MigrateTimeout is the per-batch timeout handed to MIGRATE.
	MigrateTimeout time.Duration

	// RebalanceConcurrency bounds the source/target pairs moving slots at
	// once during Rebalance.
	RebalanceConcurrency int

	HandshakePollInterval time.Duration

	// StateManager, when set, journals the cluster layout after every
	// completed operation.
	StateManager *state.StateManager
}

func DefaultConfig() Config {
	return Config{
		Dialer:                DialRESP,
		Logger:                logr.Discard(),
		DialTimeout:           5 * time.Second,
		CommandTimeout:        5 * time.Second,
		MigrateBatchSize:      migrate.DefaultBatchSize,
		MigrateTimeout:        migrate.DefaultTimeout,
		RebalanceConcurrency:  2,
		HandshakePollInterval: 100 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Dialer == nil {
		c.Dialer = def.Dialer
	}
	if c.Logger.GetSink() == nil {
		c.Logger = def.Logger
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MigrateBatchSize <= 0 {
		c.MigrateBatchSize = def.MigrateBatchSize
	}
	if c.MigrateTimeout <= 0 {
		c.MigrateTimeout = def.MigrateTimeout
	}
	if c.RebalanceConcurrency <= 0 {
		c.RebalanceConcurrency = def.RebalanceConcurrency
	}
	if c.HandshakePollInterval <= 0 {
		c.HandshakePollInterval = def.HandshakePollInterval
	}
	return c
}

package web3

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCron-Chain/internal/errors"
)

// CodeChainQueryFailure marks failed on-chain reads.
const CodeChainQueryFailure xerrors.Code = "CHAIN_QUERY_FAILURE"

func init() {
	xerrors.Register(CodeChainQueryFailure, xerrors.Attributes{
		Message:   "chain query failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// StakeChecker reports how many whole staking tokens an account holds.
// Account identifiers are EVM addresses.
type StakeChecker struct {
	client   Client
	token    common.Address
	mu       sync.Mutex
	decimals *uint8
}

// StakeCheckerOption customises a StakeChecker.
type StakeCheckerOption func(*StakeChecker)

// WithTokenDecimals pins the token decimals instead of reading them on chain.
func WithTokenDecimals(decimals uint8) StakeCheckerOption {
	return func(c *StakeChecker) {
		c.decimals = &decimals
	}
}

// NewStakeChecker binds the checker to an ERC-20 token contract.
func NewStakeChecker(client Client, token string, opts ...StakeCheckerOption) (*StakeChecker, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client is nil")
	}
	token = strings.TrimSpace(token)
	if !common.IsHexAddress(token) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid staking token address %q", token)
	}
	checker := &StakeChecker{client: client, token: common.HexToAddress(token)}
	for _, opt := range opts {
		if opt != nil {
			opt(checker)
		}
	}
	return checker, nil
}

// StakeableBalance returns floor(balanceOf(account) / 10^decimals), capped at MaxInt64.
func (c *StakeChecker) StakeableBalance(ctx context.Context, account string) (int64, error) {
	account = strings.TrimSpace(account)
	if !common.IsHexAddress(account) {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "account %q is not an EVM address", account)
	}
	decimals, err := c.tokenDecimals(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := c.client.TokenBalance(ctx, c.token, common.HexToAddress(account))
	if err != nil {
		return 0, xerrors.Wrap(CodeChainQueryFailure, err, "查询代币余额失败")
	}
	return scaleDown(raw, decimals), nil
}

func (c *StakeChecker) tokenDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	decimals, err := c.client.TokenDecimals(ctx, c.token)
	if err != nil {
		return 0, xerrors.Wrap(CodeChainQueryFailure, err, "查询代币精度失败")
	}
	c.decimals = &decimals
	return decimals, nil
}

func scaleDown(raw *big.Int, decimals uint8) int64 {
	if raw == nil || raw.Sign() <= 0 {
		return 0
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Quo(raw, divisor)
	if !whole.IsInt64() {
		return math.MaxInt64
	}
	return whole.Int64()
}

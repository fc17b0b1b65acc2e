package web3

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCron-Chain/internal/errors"
)

type fakeClient struct {
	balance      *big.Int
	decimals     uint8
	decimalCalls int
	err          error
}

func (f *fakeClient) FetchChainSnapshot(context.Context) (ChainSnapshot, error) {
	return ChainSnapshot{ChainID: "0x1"}, nil
}

func (f *fakeClient) ExecuteAction(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.balance, f.err
}

func (f *fakeClient) TokenDecimals(context.Context, common.Address) (uint8, error) {
	f.decimalCalls++
	return f.decimals, nil
}

func (f *fakeClient) Close() {}

const (
	tokenAddr  = "0x00000000000000000000000000000000000000aa"
	holderAddr = "0x00000000000000000000000000000000000000bb"
)

func TestStakeCheckerScalesByDecimals(t *testing.T) {
	raw, _ := new(big.Int).SetString("150500000000000000000", 10) // 150.5 tokens
	client := &fakeClient{balance: raw, decimals: 18}
	checker, err := NewStakeChecker(client, tokenAddr)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := checker.StakeableBalance(context.Background(), holderAddr)
		if err != nil {
			t.Fatalf("stakeable balance: %v", err)
		}
		if got != 150 {
			t.Fatalf("expected 150 whole tokens, got %d", got)
		}
	}
	if client.decimalCalls != 1 {
		t.Fatalf("decimals should be cached, fetched %d times", client.decimalCalls)
	}
}

func TestStakeCheckerPinnedDecimalsAndCap(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	client := &fakeClient{balance: huge}
	checker, err := NewStakeChecker(client, tokenAddr, WithTokenDecimals(0))
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	got, err := checker.StakeableBalance(context.Background(), holderAddr)
	if err != nil || got != math.MaxInt64 {
		t.Fatalf("expected capped balance, got %d, %v", got, err)
	}
	if client.decimalCalls != 0 {
		t.Fatalf("pinned decimals must not hit the chain")
	}
}

func TestStakeCheckerErrors(t *testing.T) {
	if _, err := NewStakeChecker(&fakeClient{}, "not-an-address"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for token, got %v", err)
	}
	checker, _ := NewStakeChecker(&fakeClient{err: errors.New("rpc down")}, tokenAddr, WithTokenDecimals(18))
	if _, err := checker.StakeableBalance(context.Background(), "alice"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for account, got %v", err)
	}
	if _, err := checker.StakeableBalance(context.Background(), holderAddr); !xerrors.HasCode(err, CodeChainQueryFailure) {
		t.Fatalf("expected chain query failure, got %v", err)
	}
}

package agent

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/web3"
)

type stubChain struct {
	actions []string
	address string
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x1", BlockNumber: "0x10"}, nil
}

func (s *stubChain) ExecuteAction(_ context.Context, action, address string) (string, error) {
	s.actions = append(s.actions, action)
	s.address = address
	return "0xff", nil
}

func (s *stubChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) TokenDecimals(context.Context, common.Address) (uint8, error) { return 18, nil }

func (s *stubChain) Close() {}

type stubResolver struct {
	chains map[string]web3.Client
}

func (r stubResolver) Resolve(name string) (web3.Client, error) {
	if name == "" {
		name = "mainnet"
	}
	client, ok := r.chains[name]
	if !ok {
		return nil, errors.New("unknown chain")
	}
	return client, nil
}

func TestDispatcherEcho(t *testing.T) {
	d, err := NewDispatcher([]Definition{{ID: "echo", Kind: KindEcho}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	got, err := d.Execute(context.Background(), "echo", "hello")
	if err != nil || got != "hello" {
		t.Fatalf("echo = %q, %v", got, err)
	}
}

func TestDispatcherUnknownAgentAndKind(t *testing.T) {
	d, err := NewDispatcher([]Definition{{ID: "legacy", Kind: Kind("llm")}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := d.Execute(context.Background(), "missing", ""); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
	if _, err := d.Execute(context.Background(), "legacy", ""); !xerrors.HasCode(err, CodeUnsupportedAction) {
		t.Fatalf("expected unsupported action, got %v", err)
	}
}

func TestNewDispatcherRejectsDuplicates(t *testing.T) {
	if _, err := NewDispatcher([]Definition{{ID: "a", Kind: KindEcho}, {ID: "a", Kind: KindEcho}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestDispatcherChainQuery(t *testing.T) {
	mainnet := &stubChain{}
	sepolia := &stubChain{}
	resolver := stubResolver{chains: map[string]web3.Client{"mainnet": mainnet, "sepolia": sepolia}}
	d, err := NewDispatcher([]Definition{
		{ID: "balance", Kind: KindChainQuery, Action: "eth_getBalance", Address: "0xabc"},
		{ID: "snapshot", Kind: KindChainQuery},
	}, WithChainResolver(resolver))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()

	got, err := d.Execute(ctx, "balance", "")
	if err != nil || got != "0xff" || mainnet.address != "0xabc" {
		t.Fatalf("balance = %q, %v (address %q)", got, err, mainnet.address)
	}

	if _, err := d.Execute(ctx, "balance", `{"chain":"sepolia","action":"eth_getTransactionCount","address":"0xdef"}`); err != nil {
		t.Fatalf("override: %v", err)
	}
	if len(sepolia.actions) != 1 || sepolia.actions[0] != "eth_getTransactionCount" || sepolia.address != "0xdef" {
		t.Fatalf("override not applied: %+v", sepolia)
	}

	got, err = d.Execute(ctx, "snapshot", "")
	if err != nil || !strings.Contains(got, `"chain_id":"0x1"`) {
		t.Fatalf("snapshot = %q, %v", got, err)
	}

	if _, err := d.Execute(ctx, "balance", `{"action":"eth_sendRawTransaction"}`); !xerrors.HasCode(err, CodeUnsupportedAction) {
		t.Fatalf("expected unsupported action, got %v", err)
	}
	if _, err := d.Execute(ctx, "balance", `{"chain":"polygon"}`); !xerrors.HasCode(err, xerrors.CodeExecutorFailure) {
		t.Fatalf("expected executor failure for unknown chain, got %v", err)
	}
}

func TestDispatcherWebhook(t *testing.T) {
	var gotBody, gotAgent, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAgent = r.Header.Get("X-Agent-ID")
		gotToken = r.Header.Get("Authorization")
		if strings.Contains(gotBody, "boom") {
			http.Error(w, "upstream failed", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("accepted\n"))
	}))
	defer server.Close()

	d, err := NewDispatcher([]Definition{{
		ID:      "notify",
		Kind:    KindWebhook,
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}}, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	got, err := d.Execute(context.Background(), "notify", `{"msg":"hi"}`)
	if err != nil || got != "accepted" {
		t.Fatalf("webhook = %q, %v", got, err)
	}
	if gotBody != `{"msg":"hi"}` || gotAgent != "notify" || gotToken != "Bearer token" {
		t.Fatalf("unexpected request body=%q agent=%q token=%q", gotBody, gotAgent, gotToken)
	}

	_, err = d.Execute(context.Background(), "notify", "boom")
	if !xerrors.HasCode(err, xerrors.CodeExecutorFailure) {
		t.Fatalf("expected executor failure for 502, got %v", err)
	}
}

func TestDispatcherWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	d, err := NewDispatcher([]Definition{{ID: "slow", Kind: KindWebhook, URL: server.URL, Timeout: 20 * time.Millisecond}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	_, err = d.Execute(context.Background(), "slow", "")
	if !xerrors.HasCode(err, xerrors.CodeExecutorTimeout) {
		t.Fatalf("expected executor timeout, got %v", err)
	}
}

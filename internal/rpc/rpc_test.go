package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/veilcash/veild/internal/config"
	"github.com/veilcash/veild/internal/ledger"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/pkg/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()

	if err := ledger.CreateGenesisFiles(dir, config.TestnetBlockchain, 4, 1); err != nil {
		t.Fatalf("CreateGenesisFiles() error = %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.NetworkType = config.Testnet
	cfg.Genesis.DataFile = filepath.Join(dir, "genesis.dat")
	cfg.Storage.DataDir = dir

	log := logging.New(&logging.Config{Level: "error"})
	logging.SetDefault(log)

	st, err := storage.New(&storage.Config{DataDir: dir, Logger: log})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}

	chain := ledger.NewChain(cfg, st, log)
	if err := chain.Init(); err != nil {
		t.Fatalf("chain.Init() error = %v", err)
	}

	t.Cleanup(func() {
		chain.Stop()
		st.Close()
	})

	return NewServer(chain, st)
}

func dispatchJSON(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}

	return s.dispatch(context.Background(), &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      1,
	})
}

func TestChainStatus(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "chain_status", nil)
	if resp.Error != nil {
		t.Fatalf("chain_status error = %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	if result["last_indelible_level"] != uint64(0) {
		t.Errorf("last indelible level = %v", result["last_indelible_level"])
	}
	if result["last_indelible_oid"] == "" {
		t.Error("empty oid in status")
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "nope_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("unknown method response = %+v", resp.Error)
	}
}

func TestGetSerialnum(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "chain_getSerialnum", map[string]string{
		"serialnum": "0011223344556677889900112233445566778899001122334455667788990011",
	})
	if resp.Error != nil {
		t.Fatalf("chain_getSerialnum error = %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if result["spent"] != false {
		t.Errorf("unspent serialnum reported spent: %v", result)
	}

	// Bad hex surfaces as an error response, not a panic.
	resp = dispatchJSON(t, s, "chain_getSerialnum", map[string]string{"serialnum": "zz"})
	if resp.Error == nil {
		t.Error("invalid hex accepted")
	}
}

func TestGetBlock(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "chain_getBlock", map[string]uint64{"level": 0})
	if resp.Error != nil {
		t.Fatalf("chain_getBlock error = %+v", resp.Error)
	}

	resp = dispatchJSON(t, s, "chain_getBlock", map[string]uint64{"level": 99})
	if resp.Error == nil {
		t.Error("missing block returned no error")
	}
}

func TestValidateForeignAddress(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "exchange_validateForeignAddress", map[string]interface{}{
		"blockchain": config.ForeignBlockchainBTC,
		"address":    "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
	})
	if resp.Error != nil {
		t.Fatalf("validate error = %+v", resp.Error)
	}
	if resp.Result.(map[string]interface{})["valid"] != true {
		t.Errorf("genesis address invalid: %v", resp.Result)
	}

	resp = dispatchJSON(t, s, "exchange_validateForeignAddress", map[string]interface{}{
		"blockchain": config.ForeignBlockchainBTC,
		"address":    "not-an-address",
	})
	if resp.Result.(map[string]interface{})["valid"] != false {
		t.Errorf("bad address validated: %v", resp.Result)
	}
}

func TestGetMiningParams(t *testing.T) {
	s := newTestServer(t)

	resp := dispatchJSON(t, s, "exchange_getMiningParams", nil)
	if resp.Error != nil {
		t.Fatalf("mining params error = %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	if result["total_remaining_to_mine"] == "0" {
		t.Error("mining pool empty at genesis")
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func clearOperatorEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > 9 && key[:9] == "OPERATOR_" {
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}

func TestRequireContractAddressRejectsEmpty(t *testing.T) {
	if err := RequireContractAddress(&Config{}); err == nil {
		t.Fatal("expected an error for an empty contract address")
	}
}

func TestRequireContractAddressAcceptsSet(t *testing.T) {
	cfg := &Config{Chain: ChainConfig{ContractAddress: "0xabc"}}
	if err := RequireContractAddress(cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	clearOperatorEnv(t)
	defer clearOperatorEnv(t)

	os.Setenv("OPERATOR_CHAIN_CONTRACT", "0xabc")
	os.Setenv("OPERATOR_CHAIN_POLL_INTERVAL", "5s")
	os.Setenv("OPERATOR_AGGREGATION_MODE", "gossip")
	os.Setenv("OPERATOR_BOOTSTRAP_PEERS", "peerA, peerB,,peerC")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Chain.ContractAddress != "0xabc" {
		t.Fatalf("expected contract address override, got %q", cfg.Chain.ContractAddress)
	}
	if cfg.Chain.PollInterval != 5*time.Second {
		t.Fatalf("expected overridden poll interval, got %v", cfg.Chain.PollInterval)
	}
	if cfg.Chain.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("expected default RPC URL, got %q", cfg.Chain.RPCURL)
	}
	if cfg.Aggregation.Mode != "gossip" {
		t.Fatalf("expected overridden aggregation mode, got %q", cfg.Aggregation.Mode)
	}
	if len(cfg.Transport.BootstrapPeers) != 3 {
		t.Fatalf("expected 3 bootstrap peers after trimming empties, got %v", cfg.Transport.BootstrapPeers)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	if out := splitNonEmpty(""); out != nil {
		t.Fatalf("expected nil for empty input, got %v", out)
	}
	out := splitNonEmpty(" a , b ,,c")
	if len(out) != 3 || out[0] != "a" || out[1] != "b" || out[2] != "c" {
		t.Fatalf("unexpected split result: %v", out)
	}
}

func TestEnvOrDefaultDurationFallsBackOnInvalidValue(t *testing.T) {
	clearOperatorEnv(t)
	defer clearOperatorEnv(t)

	os.Setenv("OPERATOR_TEST_DURATION", "not-a-duration")
	if got := envOrDefaultDuration("OPERATOR_TEST_DURATION", 7*time.Second); got != 7*time.Second {
		t.Fatalf("expected fallback duration, got %v", got)
	}
}

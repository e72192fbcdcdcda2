// Package config holds the publisher and prover configuration, loaded from a
// TOML file and overridden by command-line flags.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/pipeline"
)

// PrivateKeyEnv is consulted when no signer key is configured.
const PrivateKeyEnv = "ETH_WALLET_PRIVATE_KEY"

// Prover modes.
const (
	ProverLocal  = "local"
	ProverRemote = "remote"
)

// Config is the full configuration of the claim publisher.
type Config struct {
	Chain   ChainConfig   `toml:"chain"`
	Claim   ClaimConfig   `toml:"claim"`
	Prover  ProverConfig  `toml:"prover"`
	Signer  SignerConfig  `toml:"signer"`
	Retry   RetryConfig   `toml:"retry"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ChainConfig selects the chain and the node to read it from.
type ChainConfig struct {
	Name      string  `toml:"name"`
	ChainID   uint64  `toml:"chain_id"`
	RPCURL    string  `toml:"rpc_url"`
	Block     uint64  `toml:"block"` // 0 for the latest block
	RateLimit float64 `toml:"rate_limit"`
	CodeCache int     `toml:"code_cache"`
}

// ClaimConfig describes the claims to prove. Every account in Accounts is
// claimed with the same goal index and threshold.
type ClaimConfig struct {
	Contract   string   `toml:"contract"`
	Accounts   []string `toml:"accounts"`
	GoalIndex  Uint256  `toml:"goal_index"`
	Threshold  Uint256  `toml:"threshold"`
	Comparison string   `toml:"comparison"`
	DryRun     bool     `toml:"dry_run"`
	Parallel   int      `toml:"parallel"`
}

// ProverConfig selects the proving backend.
type ProverConfig struct {
	Mode        string `toml:"mode"`
	URL         string `toml:"url"`
	AttestorKey string `toml:"attestor_key"`
	// Attestor is the expected seal signer. When set, artifacts are checked
	// before submission.
	Attestor string `toml:"attestor"`
	Listen   string `toml:"listen"`
}

// SignerConfig holds the transaction signing key.
type SignerConfig struct {
	PrivateKey string `toml:"private_key"`
}

// RetryConfig shapes the pipeline's backoff.
type RetryConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	MaxElapsedTime  Duration `toml:"max_elapsed_time"`
	MaxRetries      uint64   `toml:"max_retries"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration is a time.Duration written as a string ("500ms", "1m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Uint256 is an unsigned 256-bit value. In TOML it is written as an integer
// or, for values past int64, as a decimal or 0x-prefixed hex string.
type Uint256 struct {
	uint256.Int
}

// ParseUint256 parses a decimal or 0x-prefixed hex number.
func ParseUint256(s string) (Uint256, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok || b.Sign() < 0 {
			return Uint256{}, fmt.Errorf("invalid hex number %q", s)
		}
		v, overflow := uint256.FromBig(b)
		if overflow {
			return Uint256{}, fmt.Errorf("number %q exceeds 256 bits", s)
		}
		return Uint256{*v}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Uint256{}, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Uint256{*v}, nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (u *Uint256) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return fmt.Errorf("negative number %d", x)
		}
		u.SetUint64(uint64(x))
		return nil
	case string:
		parsed, err := ParseUint256(x)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("unsupported number type %T", v)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Uint256) UnmarshalText(text []byte) error {
	parsed, err := ParseUint256(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (u Uint256) MarshalText() ([]byte, error) {
	return []byte(u.Dec()), nil
}

// Default returns a configuration with sensible defaults for Sepolia.
func Default() *Config {
	r := pipeline.DefaultRetryConfig()
	return &Config{
		Chain: ChainConfig{
			Name:      chainspec.Sepolia.Name,
			ChainID:   chainspec.Sepolia.ChainID(),
			RPCURL:    "http://127.0.0.1:8545",
			RateLimit: 20,
			CodeCache: 64,
		},
		Claim: ClaimConfig{
			Comparison: guest.AtMost.String(),
			Parallel:   4,
		},
		Prover: ProverConfig{
			Mode:   ProverLocal,
			Listen: "127.0.0.1:8560",
		},
		Retry: RetryConfig{
			InitialInterval: Duration{r.InitialInterval},
			MaxInterval:     Duration{r.MaxInterval},
			MaxElapsedTime:  Duration{r.MaxElapsedTime},
			MaxRetries:      r.MaxRetries,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "terminal",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:6060",
		},
	}
}

// Load reads the TOML file at path on top of the defaults. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	spec, err := chainspec.ByName(c.Chain.Name)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Chain.ChainID != 0 && c.Chain.ChainID != spec.ChainID() {
		return fmt.Errorf("config: chain_id %d does not match chain %s (%d)", c.Chain.ChainID, spec.Name, spec.ChainID())
	}
	if c.Chain.RPCURL == "" {
		return errors.New("config: rpc_url must not be empty")
	}
	if c.Chain.RateLimit < 0 {
		return fmt.Errorf("config: invalid rate_limit: %v", c.Chain.RateLimit)
	}

	if !common.IsHexAddress(c.Claim.Contract) {
		return fmt.Errorf("config: invalid contract address %q", c.Claim.Contract)
	}
	if len(c.Claim.Accounts) == 0 {
		return errors.New("config: at least one account is required")
	}
	for _, a := range c.Claim.Accounts {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("config: invalid account address %q", a)
		}
	}
	if _, err := guest.ParseComparison(c.Claim.Comparison); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Prover.Mode {
	case ProverLocal:
		if c.Prover.AttestorKey == "" {
			return errors.New("config: attestor_key must be set for the local prover")
		}
	case ProverRemote:
		if c.Prover.URL == "" {
			return errors.New("config: prover url must be set for the remote prover")
		}
	default:
		return fmt.Errorf("config: unknown prover mode %q", c.Prover.Mode)
	}
	if c.Prover.Attestor != "" && !common.IsHexAddress(c.Prover.Attestor) {
		return fmt.Errorf("config: invalid attestor address %q", c.Prover.Attestor)
	}

	if !c.Claim.DryRun && c.signerKey() == "" {
		return fmt.Errorf("config: private_key must be set (or %s)", PrivateKeyEnv)
	}

	if c.Retry.InitialInterval.Duration <= 0 || c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
		return fmt.Errorf("config: invalid retry intervals %v/%v", c.Retry.InitialInterval, c.Retry.MaxInterval)
	}

	switch c.Log.Format {
	case "terminal", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Spec returns the configured chain spec.
func (c *Config) Spec() (*chainspec.Spec, error) {
	return chainspec.ByName(c.Chain.Name)
}

// Program returns the guest program the configuration proves with.
func (c *Config) Program() (*guest.GoalCheck, error) {
	spec, err := c.Spec()
	if err != nil {
		return nil, err
	}
	cmp, err := guest.ParseComparison(c.Claim.Comparison)
	if err != nil {
		return nil, err
	}
	return guest.NewGoalCheck(guest.GoalCheckConfig{Spec: spec, Comparison: cmp})
}

// Claims expands the claim section into one claim per account.
func (c *Config) Claims() []pipeline.Claim {
	var block *big.Int
	if c.Chain.Block != 0 {
		block = new(big.Int).SetUint64(c.Chain.Block)
	}
	claims := make([]pipeline.Claim, 0, len(c.Claim.Accounts))
	for _, a := range c.Claim.Accounts {
		claims = append(claims, pipeline.Claim{
			Contract:  common.HexToAddress(c.Claim.Contract),
			Account:   common.HexToAddress(a),
			GoalIndex: new(uint256.Int).Set(&c.Claim.GoalIndex.Int),
			Threshold: new(uint256.Int).Set(&c.Claim.Threshold.Int),
			Block:     block,
		})
	}
	return claims
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() pipeline.RetryConfig {
	return pipeline.RetryConfig{
		InitialInterval: c.Retry.InitialInterval.Duration,
		MaxInterval:     c.Retry.MaxInterval.Duration,
		MaxElapsedTime:  c.Retry.MaxElapsedTime.Duration,
		MaxRetries:      c.Retry.MaxRetries,
	}
}

func (c *Config) signerKey() string {
	if c.Signer.PrivateKey != "" {
		return c.Signer.PrivateKey
	}
	return os.Getenv(PrivateKeyEnv)
}

// SignerKey parses the signing key, falling back to PrivateKeyEnv.
func (c *Config) SignerKey() (*ecdsa.PrivateKey, error) {
	hexkey := strings.TrimPrefix(c.signerKey(), "0x")
	if hexkey == "" {
		return nil, fmt.Errorf("config: no private key (set [signer] private_key or %s)", PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, fmt.Errorf("config: invalid private key: %w", err)
	}
	return key, nil
}

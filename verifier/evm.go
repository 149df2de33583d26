// Package verifier provides PaymentVerifier implementations: direct
// on-chain lookups for EVM and Solana networks, plus a client for a remote
// verification service.
package verifier

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/kamiyo/kagami"
)

// usdcDecimals converts raw USDC transfer amounts to whole units.
const usdcDecimals = 1e6

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient is the subset of ethclient used for verification. Tests
// substitute a fake; production code passes an *ethclient.Client.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMConfig configures an EVMVerifier.
type EVMConfig struct {
	// Chain is the identifier this verifier serves, e.g. "base".
	Chain string

	// USDCAddress is the USDC token contract on this chain.
	USDCAddress string

	// Client performs the chain reads. Use DialEVM for a live endpoint.
	Client EVMClient

	// MinConfirmations below which the risk score rises. Default 3.
	MinConfirmations uint64

	// Timeout for one verification call. Default 15s.
	Timeout time.Duration

	Logger zerolog.Logger
}

// EVMVerifier verifies payments against an EVM chain: the transaction must
// be mined with a successful receipt, and the amount is decoded from the
// USDC Transfer log.
type EVMVerifier struct {
	chain   string
	usdc    common.Address
	client  EVMClient
	minConf uint64
	timeout time.Duration
	log     zerolog.Logger
}

// DialEVM connects an ethclient suitable for EVMConfig.Client.
func DialEVM(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// NewEVMVerifier creates an EVM payment verifier.
func NewEVMVerifier(cfg EVMConfig) (*EVMVerifier, error) {
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain identifier is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("eth client is required")
	}
	if !common.IsHexAddress(cfg.USDCAddress) {
		return nil, fmt.Errorf("invalid USDC contract address: %q", cfg.USDCAddress)
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &EVMVerifier{
		chain:   cfg.Chain,
		usdc:    common.HexToAddress(cfg.USDCAddress),
		client:  cfg.Client,
		minConf: cfg.MinConfirmations,
		timeout: cfg.Timeout,
		log:     cfg.Logger.With().Str("component", "evm_verifier").Str("chain", cfg.Chain).Logger(),
	}, nil
}

// VerifyPayment implements kagami.PaymentVerifier.
func (v *EVMVerifier) VerifyPayment(ctx context.Context, txHash, chain string, expectedAmount *float64) (kagami.VerificationResult, error) {
	if chain != v.chain {
		return kagami.VerificationResult{}, fmt.Errorf("verifier serves chain %q, got %q", v.chain, chain)
	}
	if err := kagami.ValidateTxHash(txHash); err != nil {
		return kagami.VerificationResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("receipt lookup failed: %w", err)
	}

	result := kagami.VerificationResult{
		TxHash: txHash,
		Chain:  chain,
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		result.ErrorMessage = "transaction reverted"
		result.RiskScore = 1.0
		return result, nil
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("head lookup failed: %w", err)
	}

	amount, from := v.decodeTransfer(receipt)
	result.AmountUSDC = amount
	result.FromAddress = from
	result.RiskScore = v.riskScore(head, receipt.BlockNumber.Uint64())

	if expectedAmount != nil && amount < *expectedAmount {
		result.ErrorMessage = fmt.Sprintf(
			"amount %.6f below expected %.6f", amount, *expectedAmount)
		return result, nil
	}

	result.IsValid = true
	return result, nil
}

// decodeTransfer extracts the USDC amount and sender from the receipt's
// Transfer logs. When several transfers are present the largest wins.
func (v *EVMVerifier) decodeTransfer(receipt *types.Receipt) (float64, string) {
	var best float64
	var from string
	for _, entry := range receipt.Logs {
		if entry.Address != v.usdc || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		raw := new(big.Int).SetBytes(entry.Data)
		amount, _ := new(big.Float).Quo(
			new(big.Float).SetInt(raw),
			big.NewFloat(usdcDecimals),
		).Float64()
		if amount >= best {
			best = amount
			from = common.BytesToAddress(entry.Topics[1].Bytes()[12:]).Hex()
		}
	}
	return best, from
}

// riskScore maps confirmation shortfall to [0,1]: fully confirmed is 0,
// unmined-equivalent is 1.
func (v *EVMVerifier) riskScore(head, mined uint64) float64 {
	if head < mined {
		return 1.0
	}
	conf := head - mined
	if conf >= v.minConf {
		return 0.0
	}
	return 1.0 - float64(conf)/float64(v.minConf)
}

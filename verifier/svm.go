package verifier

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/kamiyo/kagami"
)

// SVMConfig configures an SVMVerifier.
type SVMConfig struct {
	// Chain is the identifier this verifier serves, e.g. "solana".
	Chain string

	// RPCURL is the Solana RPC endpoint.
	RPCURL string

	// USDCMint is the USDC mint address on this cluster.
	USDCMint string

	// Timeout for one verification call. Default 15s.
	Timeout time.Duration

	Logger zerolog.Logger
}

// SVMVerifier verifies payments against a Solana cluster: the transaction
// must be finalized without error, and the transferred amount is read from
// the USDC token balance deltas.
type SVMVerifier struct {
	chain   string
	client  *rpc.Client
	usdc    solana.PublicKey
	timeout time.Duration
	log     zerolog.Logger
}

// NewSVMVerifier creates a Solana payment verifier.
func NewSVMVerifier(cfg SVMConfig) (*SVMVerifier, error) {
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain identifier is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	mint, err := solana.PublicKeyFromBase58(cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("invalid USDC mint: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &SVMVerifier{
		chain:   cfg.Chain,
		client:  rpc.New(cfg.RPCURL),
		usdc:    mint,
		timeout: cfg.Timeout,
		log:     cfg.Logger.With().Str("component", "svm_verifier").Str("chain", cfg.Chain).Logger(),
	}, nil
}

// VerifyPayment implements kagami.PaymentVerifier.
func (v *SVMVerifier) VerifyPayment(ctx context.Context, txHash, chain string, expectedAmount *float64) (kagami.VerificationResult, error) {
	if chain != v.chain {
		return kagami.VerificationResult{}, fmt.Errorf("verifier serves chain %q, got %q", v.chain, chain)
	}
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("invalid transaction signature: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	maxVersion := uint64(0)
	out, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("transaction lookup failed: %w", err)
	}

	result := kagami.VerificationResult{
		TxHash: txHash,
		Chain:  chain,
	}

	if out.Meta == nil || out.Meta.Err != nil {
		result.ErrorMessage = "transaction failed on chain"
		result.RiskScore = 1.0
		return result, nil
	}

	if tx, err := out.Transaction.GetTransaction(); err == nil && len(tx.Message.AccountKeys) > 0 {
		result.FromAddress = tx.Message.AccountKeys[0].String()
	}

	result.AmountUSDC = usdcDelta(out.Meta, v.usdc)

	if expectedAmount != nil && result.AmountUSDC < *expectedAmount {
		result.ErrorMessage = fmt.Sprintf(
			"amount %.6f below expected %.6f", result.AmountUSDC, *expectedAmount)
		return result, nil
	}

	result.IsValid = true
	return result, nil
}

// usdcDelta returns the largest positive USDC balance increase across the
// transaction's token accounts: the amount the recipient actually received.
func usdcDelta(meta *rpc.TransactionMeta, mint solana.PublicKey) float64 {
	pre := make(map[uint16]float64, len(meta.PreTokenBalances))
	for _, bal := range meta.PreTokenBalances {
		if bal.Mint.Equals(mint) && bal.UiTokenAmount != nil && bal.UiTokenAmount.UiAmount != nil {
			pre[bal.AccountIndex] = *bal.UiTokenAmount.UiAmount
		}
	}

	var best float64
	for _, bal := range meta.PostTokenBalances {
		if !bal.Mint.Equals(mint) || bal.UiTokenAmount == nil || bal.UiTokenAmount.UiAmount == nil {
			continue
		}
		delta := *bal.UiTokenAmount.UiAmount - pre[bal.AccountIndex]
		if delta > best {
			best = delta
		}
	}
	return best
}

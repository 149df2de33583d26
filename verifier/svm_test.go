package verifier

import (
	"context"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const solanaUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func floatPtr(v float64) *float64 { return &v }

func tokenBalance(index uint16, mint solana.PublicKey, uiAmount float64) rpc.TokenBalance {
	return rpc.TokenBalance{
		AccountIndex: index,
		Mint:         mint,
		UiTokenAmount: &rpc.UiTokenAmount{
			UiAmount: floatPtr(uiAmount),
		},
	}
}

func TestUSDCDelta(t *testing.T) {
	mint := solana.MustPublicKeyFromBase58(solanaUSDCMint)
	otherMint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	t.Run("recipient increase wins", func(t *testing.T) {
		meta := &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, mint, 10.0), // sender
				tokenBalance(2, mint, 1.0),  // recipient
			},
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, mint, 7.5),
				tokenBalance(2, mint, 3.5),
			},
		}
		assert.InDelta(t, 2.5, usdcDelta(meta, mint), 1e-9)
	})

	t.Run("other mints are ignored", func(t *testing.T) {
		meta := &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, otherMint, 99.0),
			},
		}
		assert.Zero(t, usdcDelta(meta, mint))
	})

	t.Run("fresh token account counts from zero", func(t *testing.T) {
		meta := &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(3, mint, 4.0),
			},
		}
		assert.InDelta(t, 4.0, usdcDelta(meta, mint), 1e-9)
	})

	t.Run("nil amounts are skipped", func(t *testing.T) {
		meta := &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{}},
			},
		}
		assert.Zero(t, usdcDelta(meta, mint))
	})
}

func TestNewSVMVerifier_Validation(t *testing.T) {
	_, err := NewSVMVerifier(SVMConfig{RPCURL: "http://localhost:8899", USDCMint: solanaUSDCMint})
	assert.Error(t, err)

	_, err = NewSVMVerifier(SVMConfig{Chain: "solana", USDCMint: solanaUSDCMint})
	assert.Error(t, err)

	_, err = NewSVMVerifier(SVMConfig{Chain: "solana", RPCURL: "http://localhost:8899", USDCMint: "bogus"})
	assert.Error(t, err)

	v, err := NewSVMVerifier(SVMConfig{
		Chain:    "solana",
		RPCURL:   "http://localhost:8899",
		USDCMint: solanaUSDCMint,
	})
	require.NoError(t, err)
	require.NotNil(t, v)

	_, err = v.VerifyPayment(context.Background(), "sig", "base", nil)
	assert.Error(t, err)
}

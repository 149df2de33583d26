package verifier

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	senderAddr   = "0x1111111111111111111111111111111111111111"
	receiverAddr = "0x2222222222222222222222222222222222222222"
	evmTxHash    = "0x00000000000000000000000000000000000000000000000000000000000000ee"
)

// fakeEVMClient serves a canned receipt and head block.
type fakeEVMClient struct {
	receipt    *types.Receipt
	receiptErr error
	head       uint64
}

func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

// transferLog builds a USDC Transfer log for rawAmount base units.
func transferLog(contract, from, to string, rawAmount int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(rawAmount).Bytes(), 32),
	}
}

func successfulReceipt(mined uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(mined),
		Logs:        logs,
	}
}

func newTestEVMVerifier(t *testing.T, client EVMClient) *EVMVerifier {
	t.Helper()
	v, err := NewEVMVerifier(EVMConfig{
		Chain:       "base",
		USDCAddress: usdcContract,
		Client:      client,
	})
	require.NoError(t, err)
	return v
}

func TestEVMVerifier_ValidTransfer(t *testing.T) {
	client := &fakeEVMClient{
		// 2.5 USDC in base units, mined 10 blocks behind head
		receipt: successfulReceipt(100, transferLog(usdcContract, senderAddr, receiverAddr, 2_500_000)),
		head:    110,
	}
	v := newTestEVMVerifier(t, client)

	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.InDelta(t, 2.5, result.AmountUSDC, 1e-9)
	assert.Equal(t, common.HexToAddress(senderAddr).Hex(), result.FromAddress)
	assert.Zero(t, result.RiskScore)
	assert.Empty(t, result.ErrorMessage)
}

func TestEVMVerifier_LargestTransferWins(t *testing.T) {
	client := &fakeEVMClient{
		receipt: successfulReceipt(100,
			transferLog(usdcContract, receiverAddr, senderAddr, 1_000_000),
			transferLog(usdcContract, senderAddr, receiverAddr, 9_000_000),
		),
		head: 110,
	}
	v := newTestEVMVerifier(t, client)

	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, result.AmountUSDC, 1e-9)
	assert.Equal(t, common.HexToAddress(senderAddr).Hex(), result.FromAddress)
}

func TestEVMVerifier_IgnoresOtherContracts(t *testing.T) {
	client := &fakeEVMClient{
		receipt: successfulReceipt(100,
			transferLog("0x3333333333333333333333333333333333333333", senderAddr, receiverAddr, 7_000_000),
		),
		head: 110,
	}
	v := newTestEVMVerifier(t, client)

	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.Zero(t, result.AmountUSDC)
}

func TestEVMVerifier_RevertedTransaction(t *testing.T) {
	client := &fakeEVMClient{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(100),
		},
		head: 110,
	}
	v := newTestEVMVerifier(t, client)

	// A reverted transaction is a rejection, not a lookup error
	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "transaction reverted", result.ErrorMessage)
	assert.Equal(t, 1.0, result.RiskScore)
}

func TestEVMVerifier_LowConfirmationsRaiseRisk(t *testing.T) {
	client := &fakeEVMClient{
		receipt: successfulReceipt(100, transferLog(usdcContract, senderAddr, receiverAddr, 1_000_000)),
		head:    101, // one confirmation of the default three
	}
	v := newTestEVMVerifier(t, client)

	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.InDelta(t, 2.0/3.0, result.RiskScore, 1e-9)
}

func TestEVMVerifier_AmountShortfall(t *testing.T) {
	client := &fakeEVMClient{
		receipt: successfulReceipt(100, transferLog(usdcContract, senderAddr, receiverAddr, 1_000_000)),
		head:    110,
	}
	v := newTestEVMVerifier(t, client)

	expected := 5.0
	result, err := v.VerifyPayment(context.Background(), evmTxHash, "base", &expected)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.ErrorMessage, "below expected")
	assert.InDelta(t, 1.0, result.AmountUSDC, 1e-9)
}

func TestEVMVerifier_ReceiptLookupFails(t *testing.T) {
	client := &fakeEVMClient{receiptErr: errors.New("not found")}
	v := newTestEVMVerifier(t, client)

	_, err := v.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receipt lookup failed")
}

func TestEVMVerifier_ChainMismatch(t *testing.T) {
	v := newTestEVMVerifier(t, &fakeEVMClient{})

	_, err := v.VerifyPayment(context.Background(), evmTxHash, "ethereum", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifier serves chain")
}

func TestNewEVMVerifier_Validation(t *testing.T) {
	_, err := NewEVMVerifier(EVMConfig{USDCAddress: usdcContract, Client: &fakeEVMClient{}})
	assert.Error(t, err)

	_, err = NewEVMVerifier(EVMConfig{Chain: "base", USDCAddress: usdcContract})
	assert.Error(t, err)

	_, err = NewEVMVerifier(EVMConfig{Chain: "base", USDCAddress: "nope", Client: &fakeEVMClient{}})
	assert.Error(t, err)
}

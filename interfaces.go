package kagami

import "context"

// PaymentVerifier is the external capability that checks a transaction
// on chain. Implementations live in the verifier package (EVM, SVM, remote
// HTTP service); tests inject function-backed fakes.
//
// VerifyPayment may return an error for transport or lookup failures.
// BatchVerify treats any error as an invalid result carrying the error
// message, so one item's failure never aborts a batch.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txHash, chain string, expectedAmount *float64) (VerificationResult, error)
}

// PaymentVerifierFunc adapts a function to the PaymentVerifier interface.
type PaymentVerifierFunc func(ctx context.Context, txHash, chain string, expectedAmount *float64) (VerificationResult, error)

// VerifyPayment implements PaymentVerifier.
func (f PaymentVerifierFunc) VerifyPayment(ctx context.Context, txHash, chain string, expectedAmount *float64) (VerificationResult, error) {
	return f(ctx, txHash, chain, expectedAmount)
}

package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamiyo/kagami"
)

func TestHTTPVerifier_VerifyPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body verifyRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, evmTxHash, body.TxHash)
		assert.Equal(t, "base", body.Chain)
		require.NotNil(t, body.ExpectedAmount)
		assert.Equal(t, 2.5, *body.ExpectedAmount)

		json.NewEncoder(w).Encode(kagami.VerificationResult{
			IsValid:     true,
			TxHash:      body.TxHash,
			Chain:       body.Chain,
			AmountUSDC:  2.5,
			FromAddress: senderAddr,
		})
	}))
	defer server.Close()

	client, err := NewHTTPVerifier(&HTTPVerifierConfig{URL: server.URL})
	require.NoError(t, err)

	expected := 2.5
	result, err := client.VerifyPayment(context.Background(), evmTxHash, "base", &expected)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.InDelta(t, 2.5, result.AmountUSDC, 1e-9)
	assert.Equal(t, senderAddr, result.FromAddress)
}

func TestHTTPVerifier_RejectedPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(kagami.VerificationResult{
			IsValid:      false,
			TxHash:       evmTxHash,
			Chain:        "base",
			RiskScore:    1.0,
			ErrorMessage: "transaction reverted",
		})
	}))
	defer server.Close()

	client, err := NewHTTPVerifier(&HTTPVerifierConfig{URL: server.URL})
	require.NoError(t, err)

	// A 200 with IsValid=false is a rejection, not an error
	result, err := client.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "transaction reverted", result.ErrorMessage)
}

func TestHTTPVerifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewHTTPVerifier(&HTTPVerifierConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = client.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification service failed (500)")
}

func TestHTTPVerifier_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client, err := NewHTTPVerifier(&HTTPVerifierConfig{URL: server.URL})
	require.NoError(t, err)

	_, err = client.VerifyPayment(context.Background(), evmTxHash, "base", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode verify response")
}

func TestNewHTTPVerifier_RequiresURL(t *testing.T) {
	_, err := NewHTTPVerifier(nil)
	assert.Error(t, err)

	_, err = NewHTTPVerifier(&HTTPVerifierConfig{})
	assert.Error(t, err)
}

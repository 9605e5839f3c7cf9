package exchange

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignRequestDeterministicForSameInput(t *testing.T) {
	req1, _ := http.NewRequest(http.MethodPost, "https://example.com/api/trading/place-order", nil)
	req2, _ := http.NewRequest(http.MethodPost, "https://example.com/api/trading/place-order", nil)

	assert.Equal(t, signRequest("secret", req1), signRequest("secret", req2))
}

func TestSignRequestDiffersByMethodAndSecret(t *testing.T) {
	post, _ := http.NewRequest(http.MethodPost, "https://example.com/api/trading/place-order", nil)
	get, _ := http.NewRequest(http.MethodGet, "https://example.com/api/trading/place-order", nil)

	assert.NotEqual(t, signRequest("secret", post), signRequest("secret", get))
	assert.NotEqual(t, signRequest("secret", post), signRequest("other", post))
}

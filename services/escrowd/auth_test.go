package escrowd

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newAuthHarness(t *testing.T) *harness {
	t.Helper()
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "escrowd",
		Audience:   "escrow-api",
	}, nil)
	return newHarness(t, WithAuthenticator(auth))
}

func bearer(t *testing.T, secret string, caller [20]byte, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(secret, "escrowd", "escrow-api", caller, scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthenticatedCallerFromSubject(t *testing.T) {
	h := newAuthHarness(t)

	rec := h.do(http.MethodPost, "/v1/escrows", nil, createRequest{Config: configDocument(5000)},
		"Authorization", bearer(t, testSecret, participantA))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ids := h.registry.ListAll()
	require.Len(t, ids, 1)
	id := crypto.FormatID(ids[0])

	h.fund(participantB, 10)
	rec = h.do(http.MethodPost, "/v1/escrows/"+id+"/deposit", nil, depositRequest{Asset: "native", Amount: "10"},
		"Authorization", bearer(t, testSecret, participantB))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	engine, err := h.registry.Get(ids[0])
	require.NoError(t, err)
	require.Equal(t, "10", engine.DepositOf(participantB, escrow.NativeAsset).String())
}

func TestAuthenticationFailures(t *testing.T) {
	h := newAuthHarness(t)
	body := createRequest{Config: configDocument(5000)}

	// X-Caller is ignored once tokens are required.
	rec := h.do(http.MethodPost, "/v1/escrows", &participantA, body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/escrows", nil, body, "Authorization", bearer(t, "another-secret-of-some-length", participantA))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongAudience, err := IssueToken(testSecret, "escrowd", "other-api", participantA, nil, time.Hour, time.Now())
	require.NoError(t, err)
	rec = h.do(http.MethodPost, "/v1/escrows", nil, body, "Authorization", "Bearer "+wrongAudience)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken(testSecret, "escrowd", "escrow-api", participantA, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	rec = h.do(http.MethodPost, "/v1/escrows", nil, body, "Authorization", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay available anonymously.
	rec = h.do(http.MethodGet, "/v1/escrows", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBankCreditRequiresAdminScope(t *testing.T) {
	h := newAuthHarness(t)
	body := creditRequest{Account: crypto.FormatAddress(participantA), Asset: "native", Amount: "5"}

	rec := h.do(http.MethodPost, "/v1/bank/credit", nil, body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/bank/credit", nil, body, "Authorization", bearer(t, testSecret, mediatorM))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/bank/credit", nil, body, "Authorization", bearer(t, testSecret, mediatorM, ScopeAdmin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "5", h.ledger.BalanceOf(participantA, escrow.NativeAsset).String())
}

func TestExtractHelpers(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer(""))

	require.Equal(t, []string{"a", "b"}, extractScopes(map[string]any{"scope": "a b"}, "scope"))
	require.Equal(t, []string{"a"}, extractScopes(map[string]any{"scope": []any{"a", 3}}, "scope"))
	require.Nil(t, extractScopes(map[string]any{}, "scope"))
	require.True(t, hasScopes([]string{"a", "b"}, []string{"b"}))
	require.False(t, hasScopes([]string{"a"}, []string{"a", "b"}))
}

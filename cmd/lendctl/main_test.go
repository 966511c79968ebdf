package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"vaultlend/crypto"
	"vaultlend/services/lendingd/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(envPass, "correct horse")
	path := filepath.Join(t.TempDir(), "keys", "alice.json")

	out, err := run(t, "keygen", "--out", path)
	require.NoError(t, err)
	addr := strings.TrimSpace(out)
	_, err = crypto.DecodeAddress(addr)
	require.NoError(t, err)

	out, err = run(t, "address", path)
	require.NoError(t, err)
	require.Equal(t, addr, strings.TrimSpace(out))

	_, err = run(t, "keygen", "--out", path)
	require.ErrorContains(t, err, "already exists")
}

func TestKeygenRequiresPassphrase(t *testing.T) {
	t.Setenv(envPass, "")
	_, err := run(t, "keygen", "--out", filepath.Join(t.TempDir(), "k.json"))
	require.ErrorContains(t, err, envPass)
}

func TestPassphraseSource(t *testing.T) {
	t.Setenv(envPass, "  spaced secret ")
	pass, err := newPassphraseSource(envPass).Get()
	require.NoError(t, err)
	require.Equal(t, "  spaced secret ", pass)

	t.Setenv(envPass, "   ")
	_, err = newPassphraseSource(envPass).Get()
	require.ErrorContains(t, err, "set but empty")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("stdin is a terminal")
	}
	require.NoError(t, os.Unsetenv(envPass))
	source := newPassphraseSource(envPass)
	_, err = source.Get()
	require.ErrorContains(t, err, "run interactively")
	t.Setenv(envPass, "late")
	_, err = source.Get()
	require.Error(t, err)
}

func TestTokenMintsVerifiableJWT(t *testing.T) {
	secret := strings.Repeat("s", 32)
	t.Setenv(envSecret, secret)
	subject := crypto.DeriveAddress([]byte("keeper")).String()

	out, err := run(t, "token", "--subject", subject, "--scope", "lending:keeper", "--scope", "lending:oracle", "--issuer", "ops")
	require.NoError(t, err)

	parsed, err := jwt.Parse(strings.TrimSpace(out), func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, subject, claims["sub"])
	require.Equal(t, "lending:keeper lending:oracle", claims["scope"])
	require.Equal(t, "ops", claims["iss"])
}

func TestTokenRejectsBadSubject(t *testing.T) {
	t.Setenv(envSecret, strings.Repeat("s", 32))
	_, err := run(t, "token", "--subject", "nope")
	require.ErrorContains(t, err, "invalid subject")
}

func TestQueriesHitExpectedRoutes(t *testing.T) {
	var gotPath, gotAccount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAccount = r.Header.Get(server.DevAccountHeader)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	cases := []struct {
		args []string
		path string
	}{
		{[]string{"markets"}, "/v1/markets"},
		{[]string{"market", "1"}, "/v1/markets/1"},
		{[]string{"stats", "2"}, "/v1/markets/2/stats"},
		{[]string{"borrowers", "3"}, "/v1/markets/3/borrowers"},
		{[]string{"position", "1", "lend1abc"}, "/v1/markets/1/accounts/lend1abc"},
		{[]string{"events", "--type", "lending.borrowed", "--limit", "5"}, "/v1/events?limit=5&type=lending.borrowed"},
		{[]string{"events", "--filter-account", "lend1borrower"}, "/v1/events?account=lend1borrower"},
	}
	for _, tc := range cases {
		args := append([]string{"--endpoint", srv.URL, "--account", "lend1caller"}, tc.args...)
		out, err := run(t, args...)
		require.NoError(t, err, tc.args)
		require.Equal(t, tc.path, gotPath)
		require.Equal(t, "lend1caller", gotAccount)
		require.Contains(t, out, `"id": 1`)
	}
}

func TestBorrowSendsBodyAndBearer(t *testing.T) {
	var body map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/markets/4/borrow", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := run(t, "--endpoint", srv.URL, "--token", "abc", "borrow", "4", "250", "--keep-alive")
	require.NoError(t, err)
	require.Equal(t, "Bearer abc", auth)
	require.Equal(t, "250", body["amount"])
	require.Equal(t, true, body["keep_alive"])
}

func TestRepayOmitsAmountForFullRepay(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"amount":"1000"}`))
	}))
	defer srv.Close()

	_, err := run(t, "--endpoint", srv.URL, "repay", "1")
	require.NoError(t, err)
	_, present := body["amount"]
	require.False(t, present)
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"market not found"}`))
	}))
	defer srv.Close()

	_, err := run(t, "--endpoint", srv.URL, "market", "9")
	require.ErrorContains(t, err, "404 market not found")

	_, err = run(t, "--endpoint", srv.URL, "market", "x")
	require.ErrorContains(t, err, "invalid market id")
}

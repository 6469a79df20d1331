package sso

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

const testClientID = "hearth"

type testUser struct {
	id       string
	email    string
	password string
}

// testIssuer is a minimal OpenID Connect issuer: discovery, JWKS and a token
// endpoint supporting the password and refresh_token grants
type testIssuer struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	mu            sync.Mutex
	users         map[string]testUser
	refresh       map[string]string
	issued        int
	tokenRequests int
	idTTL         time.Duration
	extraClaims   map[string]any
	failWith      int
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: "test-key"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	i := &testIssuer{
		t:       t,
		key:     key,
		signer:  signer,
		users:   make(map[string]testUser),
		refresh: make(map[string]string),
		idTTL:   time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", i.discovery)
	mux.HandleFunc("/keys", i.keys)
	mux.HandleFunc("/token", i.token)
	i.server = httptest.NewServer(mux)
	t.Cleanup(i.server.Close)
	return i
}

func (i *testIssuer) URL() string { return i.server.URL }

func (i *testIssuer) addUser(id, email, password string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users[email] = testUser{id: id, email: email, password: password}
}

func (i *testIssuer) requests() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tokenRequests
}

func (i *testIssuer) config() *Config {
	return &Config{
		IssuerURL:    i.URL(),
		ClientID:     testClientID,
		ClientSecret: "client-secret",
		Scopes:       []string{"openid", "email", "offline_access"},
	}
}

// sign issues an ID token; claims override the defaults
func (i *testIssuer) sign(claims map[string]any) string {
	i.t.Helper()
	now := time.Now()
	body := map[string]any{
		"iss": i.URL(),
		"aud": testClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	require.NoError(i.t, err)
	obj, err := i.signer.Sign(payload)
	require.NoError(i.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(i.t, err)
	return raw
}

func (i *testIssuer) discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                i.URL(),
		"authorization_endpoint":                i.URL() + "/authorize",
		"token_endpoint":                        i.URL() + "/token",
		"jwks_uri":                              i.URL() + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (i *testIssuer) keys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     "test-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (i *testIssuer) token(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenRequests++

	if i.failWith != 0 {
		w.WriteHeader(i.failWith)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", err.Error())
		return
	}

	var user testUser
	switch r.PostForm.Get("grant_type") {
	case "password":
		u, ok := i.users[r.PostForm.Get("username")]
		if !ok || u.password != r.PostForm.Get("password") {
			tokenError(w, "invalid_grant", "Invalid login credentials")
			return
		}
		user = u
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		email, ok := i.refresh[rt]
		if !ok {
			tokenError(w, "invalid_grant", "Invalid Refresh Token: Refresh Token Not Found")
			return
		}
		delete(i.refresh, rt)
		user = i.users[email]
	default:
		tokenError(w, "unsupported_grant_type", "")
		return
	}

	i.issued++
	refresh := fmt.Sprintf("refresh-%d", i.issued)
	i.refresh[refresh] = user.email

	claims := map[string]any{
		"sub":   user.id,
		"email": user.email,
		"exp":   time.Now().Add(i.idTTL).Unix(),
	}
	for k, v := range i.extraClaims {
		claims[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("access-%d", i.issued),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"id_token":      i.sign(claims),
	})
}

func tokenError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}

package sso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		errorMsg string
	}{
		{
			name: "valid config",
			config: &Config{
				IssuerURL: "https://id.example.com",
				ClientID:  "hearth",
				Scopes:    []string{"openid", "email"},
			},
		},
		{
			name:     "missing issuer_url",
			config:   &Config{ClientID: "hearth", Scopes: []string{"openid"}},
			errorMsg: "issuer_url is required",
		},
		{
			name:     "missing client_id",
			config:   &Config{IssuerURL: "https://id.example.com", Scopes: []string{"openid"}},
			errorMsg: "client_id is required",
		},
		{
			name:     "missing scopes",
			config:   &Config{IssuerURL: "https://id.example.com", ClientID: "hearth"},
			errorMsg: "scopes are required",
		},
		{
			name:     "missing openid scope",
			config:   &Config{IssuerURL: "https://id.example.com", ClientID: "hearth", Scopes: []string{"email"}},
			errorMsg: "'openid' scope is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestConfig_ClaimDefaults(t *testing.T) {
	m := (&Config{}).claims()
	assert.Equal(t, ClaimMap{UserID: "sub", Email: "email"}, m)

	m = (&Config{Claims: ClaimMap{UserID: "oid"}}).claims()
	assert.Equal(t, ClaimMap{UserID: "oid", Email: "email"}, m)
}

func TestPreset(t *testing.T) {
	for _, name := range []ProviderName{ProviderAzureAD, ProviderOkta, ProviderGoogle, ProviderGenericOIDC} {
		t.Run(string(name), func(t *testing.T) {
			cfg, err := Preset(name)
			require.NoError(t, err)
			assert.Contains(t, cfg.Scopes, "openid")
			assert.NotEmpty(t, cfg.Claims.UserID)
		})
	}

	cfg, err := Preset(ProviderAzureAD)
	require.NoError(t, err)
	assert.Equal(t, "oid", cfg.Claims.UserID)

	_, err = Preset("ldap")
	assert.Error(t, err)
}

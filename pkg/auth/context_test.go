package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/hearth/pkg/contextkeys"
)

func TestIdentityContext(t *testing.T) {
	assert.Nil(t, IdentityFromContext(context.Background()))

	ident := &Identity{UserID: "u1", Email: "u1@example.com"}
	ctx := WithIdentity(context.Background(), ident)

	assert.Same(t, ident, IdentityFromContext(ctx))
	assert.Equal(t, "u1", contextkeys.GetUserID(ctx))

	req := httptest.NewRequest("GET", "/v1/me", nil).WithContext(ctx)
	assert.Same(t, ident, GetIdentity(req))
}

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gigline/internal/apperr"
	"gigline/internal/domain"
)

func TestRequire(t *testing.T) {
	assert.NoError(t, Require(Actor{ID: "f1", Role: domain.RoleFreelancer}, domain.RoleFreelancer))
	assert.NoError(t, Require(Actor{ID: "a1", Role: domain.RoleAdmin}, domain.RoleHiring, domain.RoleAdmin))

	err := Require(Actor{ID: "c1", Role: domain.RoleHiring}, domain.RoleFreelancer)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	err = Require(Actor{Role: domain.RoleFreelancer}, domain.RoleFreelancer)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole("hiring"))
	assert.False(t, ValidRole("owner"))
}

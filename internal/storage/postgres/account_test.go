package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHashPassword_Limits(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = HashPassword(strings.Repeat("a", maxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrInvalidPassword)

	hash, err := HashPassword(strings.Repeat("a", maxPasswordBytes))
	require.NoError(t, err)
	assert.True(t, CheckPassword(strings.Repeat("a", maxPasswordBytes), hash))
}

func TestValidateUsername(t *testing.T) {
	assert.ErrorIs(t, validateUsername(""), ErrInvalidUsername)
	assert.ErrorIs(t, validateUsername(strings.Repeat("x", MaxUsernameLength+1)), ErrInvalidUsername)
	assert.NoError(t, validateUsername(strings.Repeat("é", MaxUsernameLength)))
	assert.NoError(t, validateUsername("alice"))
}

func TestIsDuplicateKeyError(t *testing.T) {
	dup := fmt.Errorf("inserting: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, isDuplicateKeyError(dup))
	assert.False(t, isDuplicateKeyError(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isDuplicateKeyError(errors.New("23505")))
	assert.False(t, isDuplicateKeyError(nil))
}

// Property: a hash verifies its own password and no other.
func TestPropertyHashVerifiesOnlyItsPassword(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		password := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{1,32}`).Draw(t, "password")
		other := rapid.StringMatching(`[a-zA-Z0-9]{1,32}`).Draw(t, "other")

		hash, err := HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		if !CheckPassword(password, hash) {
			t.Fatalf("hash does not verify %q", password)
		}
		if other != password && CheckPassword(other, hash) {
			t.Fatalf("hash of %q verified %q", password, other)
		}
	})
}

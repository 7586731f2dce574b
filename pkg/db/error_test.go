package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})
	lock := &pgconn.PgError{Code: CodeLockNotAvailable}
	serial := &pgconn.PgError{Code: CodeSerializationFailure}

	assert.Equal(t, CodeUniqueViolation, PGCode(unique))
	assert.Empty(t, PGCode(errors.New("plain")))

	assert.True(t, IsUniqueViolation(unique))
	assert.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: accounts.account_number")))
	assert.False(t, IsUniqueViolation(nil))

	assert.True(t, IsLockTimeout(lock))
	assert.False(t, IsLockTimeout(serial))
	assert.True(t, IsSerializationFailure(serial))

	assert.True(t, IsDBError(lock))
	assert.True(t, IsDBError(gorm.ErrInvalidTransaction))
	assert.False(t, IsDBError(gorm.ErrRecordNotFound))
	assert.False(t, IsDBError(errors.New("insufficient_funds")))
}

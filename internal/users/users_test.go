package users_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crena/internal/testsupport"
	"crena/internal/users"
)

func TestCreateUser(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	user, err := users.CreateUser(db, "alice@example.com", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEqual(t, "s3cret", user.EncryptedPassword, "password must be stored hashed")
	assert.True(t, user.CheckPassword("s3cret"))
	assert.False(t, user.CheckPassword("wrong"))
	assert.NotEmpty(t, user.APIToken)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	_, err := users.CreateUser(db, "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = users.CreateUser(db, "alice@example.com", "other")
	assert.ErrorIs(t, err, users.ErrUserExists)
}

func TestCreateUserRequiresInput(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	_, err := users.CreateUser(db, "", "s3cret")
	assert.Error(t, err)

	_, err = users.CreateUser(db, "alice@example.com", "")
	assert.Error(t, err)
}

func TestChangePassword(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	_, err := users.CreateUser(db, "alice@example.com", "old")
	require.NoError(t, err)

	require.NoError(t, users.ChangePassword(db, "alice@example.com", "new"))

	user, err := users.FindByEmail(db, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, user.CheckPassword("new"))
	assert.False(t, user.CheckPassword("old"))
}

func TestFindByAPIToken(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	created, err := users.CreateUser(db, "alice@example.com", "s3cret")
	require.NoError(t, err)

	found, err := users.FindByAPIToken(db, created.APIToken)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = users.FindByAPIToken(db, "bogus")
	assert.ErrorIs(t, err, users.ErrUserNotFound)

	_, err = users.FindByAPIToken(db, "")
	assert.ErrorIs(t, err, users.ErrUserNotFound, "an empty token must never match")
}

func TestRotateAPIToken(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	user, err := users.CreateUser(db, "alice@example.com", "s3cret")
	require.NoError(t, err)
	oldToken := user.APIToken

	require.NoError(t, users.RotateAPIToken(db, user))
	assert.NotEqual(t, oldToken, user.APIToken)

	_, err = users.FindByAPIToken(db, oldToken)
	assert.ErrorIs(t, err, users.ErrUserNotFound, "the old token must be revoked")

	found, err := users.FindByAPIToken(db, user.APIToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
}

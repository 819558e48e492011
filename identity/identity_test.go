package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
)

var fastArgon2 = Argon2idEncoder{Params: Argon2Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 16}}

func TestPasswordEncoders(t *testing.T) {
	encoders := map[string]PasswordEncoder{
		"bcrypt":   BcryptEncoder{Cost: 4},
		"argon2id": fastArgon2,
	}
	for name, enc := range encoders {
		t.Run(name, func(t *testing.T) {
			hash, err := enc.EncodePassword("secret", "pepper")
			require.NoError(t, err)

			assert.True(t, enc.IsPasswordValid(hash, "secret", "pepper"))
			assert.False(t, enc.IsPasswordValid(hash, "secret", ""), "salt is part of the password")
			assert.False(t, enc.IsPasswordValid(hash, "Secret", "pepper"))
			assert.False(t, enc.IsPasswordValid(hash, "", "pepper"))
			assert.False(t, enc.IsPasswordValid("garbage", "secret", "pepper"))

			_, err = enc.EncodePassword("", "")
			assert.Error(t, err)
		})
	}
}

func TestArgon2idFormat(t *testing.T) {
	hash, err := fastArgon2.EncodePassword("secret", "")
	require.NoError(t, err)
	assert.Regexp(t, `^\$argon2id\$v=19\$m=1024,t=1,p=1\$[A-Za-z0-9+/]+\$[A-Za-z0-9+/]+$`, hash)
}

func TestArgon2idRejectsDegenerateParams(t *testing.T) {
	hash, err := fastArgon2.EncodePassword("secret", "")
	require.NoError(t, err)

	tampered := map[string]string{
		"zero time":        strings.Replace(hash, "t=1", "t=0", 1),
		"zero parallelism": strings.Replace(hash, "p=1", "p=0", 1),
		"zero memory":      strings.Replace(hash, "m=1024", "m=0", 1),
		"missing field":    strings.Replace(hash, ",p=1", "", 1),
		"reordered":        strings.Replace(hash, "m=1024,t=1", "t=1,m=1024", 1),
		"negative":         strings.Replace(hash, "t=1", "t=-1", 1),
		"overflow":         strings.Replace(hash, "p=1", "p=256", 1),
		"trailing junk":    strings.Replace(hash, "t=1", "t=1x", 1),
	}
	for name, encoded := range tampered {
		t.Run(name, func(t *testing.T) {
			require.NotEqual(t, hash, encoded)
			assert.NotPanics(t, func() {
				assert.False(t, fastArgon2.IsPasswordValid(encoded, "secret", ""))
			})
		})
	}

	_, err = Argon2idEncoder{Params: Argon2Params{Memory: 1024, Time: 0, Parallelism: 1, KeyLen: 16}}.EncodePassword("secret", "")
	assert.Error(t, err)
	_, err = Argon2idEncoder{Params: Argon2Params{Memory: 1024, Time: 1, Parallelism: 0, KeyLen: 16}}.EncodePassword("secret", "")
	assert.Error(t, err)
}

func TestParseArgon2Params(t *testing.T) {
	params, err := parseArgon2Params("m=65536,t=3,p=4")
	require.NoError(t, err)
	assert.Equal(t, Argon2Params{Memory: 65536, Time: 3, Parallelism: 4}, params)
}

func TestNewPasswordEncoder(t *testing.T) {
	enc, err := NewPasswordEncoder("bcrypt")
	require.NoError(t, err)
	assert.IsType(t, BcryptEncoder{}, enc)

	enc, err = NewPasswordEncoder("Argon2id")
	require.NoError(t, err)
	assert.IsType(t, Argon2idEncoder{}, enc)

	_, err = NewPasswordEncoder("md5")
	assert.Error(t, err)
}

func newProvider(t *testing.T) *SQLUserProvider {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "users.db") + "?_pragma=foreign_keys(1)"
	d, err := db.New(ctx, config.DBConfig{Driver: "sqlite", DSN: dsn, MaxIdleConns: 1, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(ctx, d))
	return NewSQLUserProvider(d)
}

func TestSQLUserProvider(t *testing.T) {
	ctx := context.Background()
	users := newProvider(t)
	enc := BcryptEncoder{Cost: 4}

	hash, err := enc.EncodePassword("wonderland", "s4lt")
	require.NoError(t, err)
	id, err := users.CreateUser(ctx, Principal{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Salt:         "s4lt",
		Roles:        []string{"ROLE_USER", "ROLE_ADMIN"},
	})
	require.NoError(t, err)

	byName, err := users.LoadPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
	assert.Equal(t, []string{"ROLE_USER", "ROLE_ADMIN"}, byName.Roles)

	byEmail, err := users.LoadPrincipal(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)

	byID, err := users.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = users.LoadPrincipal(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = users.CreateUser(ctx, Principal{Username: "bob"})
	assert.Error(t, err)

	_, err = users.CreateUser(ctx, Principal{Username: "carol", PasswordHash: hash})
	require.NoError(t, err, "email is optional")
}

func TestAuthenticator(t *testing.T) {
	ctx := context.Background()
	users := newProvider(t)
	enc := BcryptEncoder{Cost: 4}

	hash, err := enc.EncodePassword("wonderland", "s4lt")
	require.NoError(t, err)
	id, err := users.CreateUser(ctx, Principal{Username: "alice", PasswordHash: hash, Salt: "s4lt"})
	require.NoError(t, err)

	auth := NewAuthenticator(users, enc)

	principal, err := auth.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, id, principal.ID)

	_, err = auth.Authenticate(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, "mallory", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	owner, err := auth.VerifyPassword(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, id, owner.ID)
	assert.Nil(t, owner.Scopes)
}

func TestAllowedScopesBoundPasswordGrant(t *testing.T) {
	ctx := context.Background()
	users := newProvider(t)
	enc := BcryptEncoder{Cost: 4}
	hash, err := enc.EncodePassword("pw", "")
	require.NoError(t, err)

	_, err = users.CreateUser(ctx, Principal{Username: "reader", PasswordHash: hash, AllowedScopes: []string{"read", "profile"}})
	require.NoError(t, err)
	_, err = users.CreateUser(ctx, Principal{Username: "locked", PasswordHash: hash, AllowedScopes: []string{}})
	require.NoError(t, err)
	_, err = users.CreateUser(ctx, Principal{Username: "open", PasswordHash: hash})
	require.NoError(t, err)

	auth := NewAuthenticator(users, enc)

	owner, err := auth.VerifyPassword(ctx, "reader", "pw")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "profile"}, owner.Scopes)

	owner, err = auth.VerifyPassword(ctx, "locked", "pw")
	require.NoError(t, err)
	assert.NotNil(t, owner.Scopes)
	assert.Empty(t, owner.Scopes)

	owner, err = auth.VerifyPassword(ctx, "open", "pw")
	require.NoError(t, err)
	assert.Nil(t, owner.Scopes)
}

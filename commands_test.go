package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milanbella/sa-oauth/grant"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/store"
)

func TestHashPasswordCommand(t *testing.T) {
	for _, hasher := range []string{"bcrypt", "argon2id"} {
		t.Run(hasher, func(t *testing.T) {
			cmd := hashPasswordCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetIn(strings.NewReader("s3cret\n"))
			cmd.SetArgs([]string{"--hasher", hasher})
			require.NoError(t, cmd.Execute())

			encoder, err := identity.NewPasswordEncoder(hasher)
			require.NoError(t, err)
			encoded := strings.TrimSpace(out.String())
			assert.True(t, encoder.IsPasswordValid(encoded, "s3cret", ""))
			assert.False(t, encoder.IsPasswordValid(encoded, "other", ""))
		})
	}
}

func TestReadLine(t *testing.T) {
	line, err := readLine(strings.NewReader("pw\r\nignored"))
	require.NoError(t, err)
	assert.Equal(t, "pw", line)

	_, err = readLine(strings.NewReader(""))
	assert.Error(t, err)
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

// setupSQLiteEnv points the commands at a fresh SQLite file whose DSN does
// not turn on foreign keys itself, then migrates and provisions it.
func setupSQLiteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file:"+filepath.Join(t.TempDir(), "oauth.db"))
	t.Setenv("AUTH_GRANT_TYPES", "password,refresh_token")
	t.Setenv("AUTH_PASSWORD_HASHER", "bcrypt")

	_, err := runCommand(t, migrateCmd())
	require.NoError(t, err)
	_, err = runCommand(t, clientCmd(), "create", "--id", "C1", "--secret", "s1", "--name", "Web")
	require.NoError(t, err)
	_, err = runCommand(t, userCmd(), "create", "--username", "alice", "--password", "wonderland")
	require.NoError(t, err)
}

func TestSessionRevokeCommand(t *testing.T) {
	setupSQLiteEnv(t)
	ctx := context.Background()

	cfg, sqlDB, err := bootstrap(ctx)
	require.NoError(t, err)
	defer closeDB(sqlDB)
	authenticator, err := newAuthenticator(cfg, sqlDB)
	require.NoError(t, err)
	server, err := newGrantServer(cfg, store.NewSQLStore(sqlDB), authenticator, nil)
	require.NoError(t, err)

	issued, err := server.Token(ctx, grant.TokenRequest{
		GrantType:    string(grant.Password),
		ClientID:     "C1",
		ClientSecret: "s1",
		Username:     "alice",
		Password:     "wonderland",
	})
	require.NoError(t, err)
	require.NotEmpty(t, issued.RefreshToken)

	principal, err := authenticator.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)

	_, err = runCommand(t, sessionCmd(), "revoke", "--client", "C1", "--owner-type", "user", "--owner-id", principal.ID)
	require.NoError(t, err)

	_, err = server.Token(ctx, grant.TokenRequest{
		GrantType:    string(grant.RefreshToken),
		ClientID:     "C1",
		ClientSecret: "s1",
		RefreshToken: issued.RefreshToken,
	})
	var gErr *grant.Error
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, grant.CodeInvalidGrant, gErr.Code)

	var left int
	require.NoError(t, sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_access_tokens").Scan(&left))
	assert.Zero(t, left)
}

func TestSessionRevokeCommandValidatesFlags(t *testing.T) {
	_, err := runCommand(t, sessionCmd(), "revoke", "--client", "C1", "--owner-type", "robot", "--owner-id", "x")
	assert.ErrorContains(t, err, "owner type")

	_, err = runCommand(t, sessionCmd(), "revoke", "--owner-id", "x")
	assert.Error(t, err)
}

func TestUserCreateAllowedScopes(t *testing.T) {
	setupSQLiteEnv(t)
	ctx := context.Background()

	_, err := runCommand(t, userCmd(), "create", "--username", "bob", "--password", "builder", "--allowed-scopes", "read, profile")
	require.NoError(t, err)

	cfg, sqlDB, err := bootstrap(ctx)
	require.NoError(t, err)
	defer closeDB(sqlDB)
	authenticator, err := newAuthenticator(cfg, sqlDB)
	require.NoError(t, err)

	owner, err := authenticator.VerifyPassword(ctx, "bob", "builder")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "profile"}, owner.Scopes)

	owner, err = authenticator.VerifyPassword(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Nil(t, owner.Scopes)
}

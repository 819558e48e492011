package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/identity"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/store"
	"github.com/milanbella/sa-oauth/stringutils"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, sqlDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(sqlDB)
			return db.Migrate(cmd.Context(), sqlDB)
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var (
		password string
		hasher   string
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print the encoded form of a password (read from stdin when --password is empty)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hasher == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				hasher = cfg.Auth.PasswordHasher
			}
			encoder, err := identity.NewPasswordEncoder(hasher)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			encoded, err := encoder.EncodePassword(password, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Plain text password")
	cmd.Flags().StringVar(&hasher, "hasher", "", "bcrypt or argon2id (default AUTH_PASSWORD_HASHER)")
	return cmd
}

func userCmd() *cobra.Command {
	var (
		username string
		email    string
		password string
		roles    string
		allowed  string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a resource owner account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, sqlDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(sqlDB)

			encoder, err := identity.NewPasswordEncoder(cfg.Auth.PasswordHasher)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			hash, err := encoder.EncodePassword(password, "")
			if err != nil {
				return err
			}

			user := identity.Principal{
				Username:     username,
				Email:        email,
				PasswordHash: hash,
				Roles:        stringutils.SplitList(roles, ','),
			}
			if cmd.Flags().Changed("allowed-scopes") {
				user.AllowedScopes = stringutils.SplitList(allowed, ',')
				if user.AllowedScopes == nil {
					user.AllowedScopes = []string{}
				}
			}

			id, err := identity.NewSQLUserProvider(sqlDB).CreateUser(cmd.Context(), user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	create.Flags().StringVar(&username, "username", "", "Login name")
	create.Flags().StringVar(&email, "email", "", "Optional email, also accepted at login")
	create.Flags().StringVar(&password, "password", "", "Plain text password (read from stdin when empty)")
	create.Flags().StringVar(&roles, "roles", "", "Comma separated roles")
	create.Flags().StringVar(&allowed, "allowed-scopes", "", "Comma separated scopes the password grant may issue (unrestricted when omitted)")
	_ = create.MarkFlagRequired("username")

	cmd := &cobra.Command{Use: "user", Short: "Manage resource owners"}
	cmd.AddCommand(create)
	return cmd
}

func clientCmd() *cobra.Command {
	var (
		client       store.Client
		redirectURIs []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an OAuth client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, sqlDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(sqlDB)

			client.RedirectURIs = redirectURIs
			return store.NewSQLStore(sqlDB).CreateClient(cmd.Context(), client)
		},
	}
	create.Flags().StringVar(&client.ID, "id", "", "Client identifier")
	create.Flags().StringVar(&client.Secret, "secret", "", "Client secret (empty for public clients)")
	create.Flags().StringVar(&client.Name, "name", "", "Display name")
	create.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Registered redirect URI, repeatable")
	_ = create.MarkFlagRequired("id")

	cmd := &cobra.Command{Use: "client", Short: "Manage OAuth clients"}
	cmd.AddCommand(create)
	return cmd
}

func scopeCmd() *cobra.Command {
	var name, description string
	create := &cobra.Command{
		Use:   "create <scope>",
		Short: "Register a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sqlDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(sqlDB)

			id, err := store.NewSQLStore(sqlDB).CreateScope(cmd.Context(), args[0], name, description)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name (defaults to the scope)")
	create.Flags().StringVar(&description, "description", "", "Description")

	cmd := &cobra.Command{Use: "scope", Short: "Manage scopes"}
	cmd.AddCommand(create)
	return cmd
}

func sessionCmd() *cobra.Command {
	var (
		clientID  string
		ownerType string
		ownerID   string
	)
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Delete every session an owner holds with a client, with their tokens and codes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ot := store.OwnerType(strings.ToLower(ownerType))
			if ot != store.OwnerTypeUser && ot != store.OwnerTypeClient {
				return fmt.Errorf("owner type must be %q or %q", store.OwnerTypeUser, store.OwnerTypeClient)
			}

			cfg, sqlDB, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(sqlDB)

			authenticator, err := newAuthenticator(cfg, sqlDB)
			if err != nil {
				return err
			}
			server, err := newGrantServer(cfg, store.NewSQLStore(sqlDB), authenticator, nil)
			if err != nil {
				return err
			}
			if err := server.RevokeSessions(cmd.Context(), clientID, ot, ownerID); err != nil {
				return err
			}
			logger.L().Info("sessions revoked",
				zap.String("client_id", clientID), zap.String("owner_type", string(ot)), zap.String("owner_id", ownerID))
			return nil
		},
	}
	revoke.Flags().StringVar(&clientID, "client", "", "Client identifier")
	revoke.Flags().StringVar(&ownerType, "owner-type", string(store.OwnerTypeUser), "user or client")
	revoke.Flags().StringVar(&ownerID, "owner-id", "", "User id or client id owning the sessions")
	_ = revoke.MarkFlagRequired("client")
	_ = revoke.MarkFlagRequired("owner-id")

	cmd := &cobra.Command{Use: "session", Short: "Manage issued sessions"}
	cmd.AddCommand(revoke)
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

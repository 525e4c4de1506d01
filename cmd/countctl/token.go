package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/technosupport/ts-inventory/internal/tokens"
)

var (
	tokenDevice string
	tokenTTL    time.Duration
	revokeJTI   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a device token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.SigningKey == "" {
			return errors.New("no signing key: set auth.signing_key or DEVICE_TOKEN_KEY")
		}
		ttl := tokenTTL
		if !cmd.Flags().Changed("ttl") {
			ttl = cfg.Auth.TokenTTL
		}
		tok, err := tokens.NewManager(cfg.Auth.SigningKey).GenerateDeviceToken(tokenDevice, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a device token by its jti",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.RedisAddr == "" {
			return errors.New("revocation needs storage.redis_addr or REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		defer rdb.Close()

		// Entries outlive any token minted with the configured TTL.
		ttl := cfg.Auth.TokenTTL
		if err := tokens.NewRedisRevocations(rdb).Revoke(cmd.Context(), tokenDevice, revokeJTI, ttl); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s for %s\n", revokeJTI, tokenDevice)
		return nil
	},
}

func init() {
	tokenCmd.PersistentFlags().StringVarP(&tokenDevice, "device", "d", "", "device id (token subject)")
	tokenCmd.MarkPersistentFlagRequired("device")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8760*time.Hour, "token lifetime")

	revokeCmd.Flags().StringVar(&revokeJTI, "jti", "", "token id to revoke")
	revokeCmd.MarkFlagRequired("jti")
	tokenCmd.AddCommand(revokeCmd)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/credentials"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage DHPO facility configuration",
	}

	var (
		f        facility.Facility
		login    string
		password string
		inactive bool
	)
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a facility with freshly sealed credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			provider, err := credentials.NewProvider(cfg.Soap.Credentials.Key, cfg.Soap.Credentials.KeyVersion)
			if err != nil {
				return err
			}
			if !provider.Encrypted() {
				slog.Warn("no credential key configured, storing credentials in plaintext")
			}
			sealed, err := provider.Encrypt(f.Code, login, password)
			if err != nil {
				return err
			}
			f.LoginCT, f.PwdCT, f.EncMeta = sealed.LoginCT, sealed.PwdCT, sealed.Meta
			f.Active = !inactive

			return withDB(func(db *postgres.Client) error {
				id, err := facility.NewRepository(db).Upsert(context.Background(), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "facility %s stored (id %d)\n", f.Code, id)
				return nil
			})
		},
	}
	put.Flags().StringVar(&f.Code, "code", "", "facility code")
	put.Flags().StringVar(&f.Name, "name", "", "facility name")
	put.Flags().StringVar(&f.EndpointURL, "endpoint", "", "endpoint override, empty for the default")
	put.Flags().StringVar(&login, "login", "", "DHPO login")
	put.Flags().StringVar(&password, "password", "", "DHPO password")
	put.Flags().BoolVar(&inactive, "inactive", false, "store the facility as inactive")
	for _, name := range []string{"code", "name", "login", "password"} {
		_ = put.MarkFlagRequired(name)
	}
	cmd.AddCommand(put)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show active facilities and their breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.Client) error {
				list, err := facility.NewRepository(db).Active(context.Background())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, f := range list {
					fmt.Fprintf(out, "%-12s %-30s failures=%d state=%s last_error=%s\n",
						f.Code, f.Name, f.ConsecutiveFailures, f.BreakerState(time.Now()), f.LastErrorCode)
				}
				return nil
			})
		},
	})
	return cmd
}

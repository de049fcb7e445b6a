package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func CleanupCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired codes and codes consumed longer ago than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			svc, database, err := newAuthCodeService(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			if !cmd.Flags().Changed("retention") {
				retention = cfg.UsedCodeRetention
			}

			expired, err := svc.CleanupExpiredCodes(cmd.Context())
			if err != nil {
				return err
			}
			used, err := svc.CleanupUsedCodes(cmd.Context(), retention)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired and %d used codes\n", expired, used)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 24*time.Hour, "Keep consumed codes this long (default: USED_CODE_RETENTION)")
	return cmd
}

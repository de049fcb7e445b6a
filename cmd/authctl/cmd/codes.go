package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/templui/authmail/internal/model"
)

func CodesCmd() *cobra.Command {
	var codeType string
	var revoke bool

	cmd := &cobra.Command{
		Use:   "codes <user-id>",
		Short: "List (or revoke) a user's codes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t model.CodeType
			if codeType != "" {
				var err error
				t, err = model.ParseCodeType(codeType)
				if err != nil {
					return err
				}
			}

			cfg := loadConfig()
			svc, database, err := newAuthCodeService(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			userID := args[0]
			if revoke {
				types := model.CodeTypes
				if t != "" {
					types = []model.CodeType{t}
				}
				var total int64
				for _, ct := range types {
					n, err := svc.InvalidateUserCodes(cmd.Context(), userID, ct)
					if err != nil {
						return err
					}
					total += n
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d codes for %s\n", total, userID)
				return nil
			}

			codes, err := svc.GetAuthCodesForUser(cmd.Context(), userID, t)
			if err != nil {
				return err
			}
			if len(codes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no codes for %s\n", userID)
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tEXPIRES")
			for _, c := range codes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Type, c.Status(now),
					c.CreatedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&codeType, "type", "", "Only this code type (email_confirmation, password_reset)")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Revoke all active codes instead of listing")
	return cmd
}

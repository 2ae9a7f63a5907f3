package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumacast/lumacast/hub/internal/handshake"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hub identity key pair",
		Long: "Prints a fresh P-256 identity key. The private scalar goes into " +
			"handshake.identity_key (or a key file); the public point is embedded in clients.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			private, public, err := handshake.GenerateIdentityKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "private: %s\n", private)
			_, _ = fmt.Fprintf(out, "public:  %s\n", public)
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out string
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key",
		Long: `Generate a secp256k1 key. With --out the key is written hex encoded
to a 0600 file and only the address is printed.

Example:
  relayctl keygen --out relayer.key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			out := map[string]string{"address": crypto.PubkeyToAddress(key.PublicKey).Hex()}
			if opts.Out != "" {
				if err := crypto.SaveECDSA(opts.Out, key); err != nil {
					return fmt.Errorf("save key: %w", err)
				}
				out["keyFile"] = opts.Out
			} else {
				out["privateKey"] = hexutil.Encode(crypto.FromECDSA(key))
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the key to this file")

	return cmd
}

// NewAddressCommand creates the address command.
func NewAddressCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of --key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := rootOpts.loadKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			return err
		},
	}
}

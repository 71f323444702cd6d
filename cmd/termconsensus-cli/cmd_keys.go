package main

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/termconsensus/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the key file if it does not exist and print its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, _, err := identity.LoadOrGenerateKeypair(viper.GetString("key"))
			if err != nil {
				return err
			}
			id := identity.FromPublicKey(pub)
			if viper.GetBool("json") {
				return printJSON(map[string]string{"identity": id, "key": viper.GetString("key")})
			}
			fmt.Printf("Identity: %s\n", id)
			fmt.Printf("Key file: %s\n", viper.GetString("key"))
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity of the key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadKey()
			if err != nil {
				return err
			}
			fmt.Println(identity.FromPublicKey(priv.Public().(ed25519.PublicKey)))
			return nil
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Secrets may live in a .env next to the binary; absence is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "liveturn",
		Short: "Client-side streaming turn engine",
		Long: "liveturn keeps an in-progress assistant reply consistent across an " +
			"HTTP stream, a persistent event channel, and polling against the " +
			"server record.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	root.AddCommand(newRunCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

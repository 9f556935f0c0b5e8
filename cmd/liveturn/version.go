package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liveturnhq/liveturn/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("liveturn", version.GetInfo())
		},
	}
}

// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	apicmd "github.com/sapcc/repomgr/cmd/api"
	gentokencmd "github.com/sapcc/repomgr/cmd/gentoken"

	// include all known driver implementations
	_ "github.com/sapcc/repomgr/internal/drivers/gpg"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("REPOMGR_DEBUG")

	rootCmd := &cobra.Command{
		Use:     "repomgr",
		Short:   "Build publication pipeline for OSTree repositories",
		Long:    "repomgr accepts uploads into per-build staging repositories and publishes committed builds into the production repository. This binary contains both the server and the token tooling.",
		Version: bininfo.VersionOr("unknown"),
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	gentokencmd.AddCommandTo(rootCmd)

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	apicmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		logg.Fatal(err.Error())
	}
}

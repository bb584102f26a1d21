// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package gentokencmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sapcc/go-bits/logg"
	"github.com/spf13/cobra"

	"github.com/sapcc/repomgr/internal/auth"
	"github.com/sapcc/repomgr/internal/repomgr"
)

var (
	verbose      bool
	isBase64     bool
	tokenName    string
	subject      string
	scopes       []string
	prefixes     []string
	secret       string
	secretFile   string
	durationSecs int64
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "gentoken",
		Short: "Issue a capability token for the repomgr API.",
		Long:  "Issue a capability token for the repomgr API. The token is signed with the given secret, which must match the REPOMGR_TOKEN_SECRET of the server.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print the token claims.")
	cmd.Flags().BoolVar(&isBase64, "base64", false, "The secret is base64-encoded.")
	cmd.Flags().StringVar(&tokenName, "name", "default", "Display name for the token.")
	cmd.Flags().StringVar(&subject, "sub", "build", `Subject of the token. Use "build/<id>" to restrict the token to a single build.`)
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Add a scope (default if none: build, upload, publish, jobs).")
	cmd.Flags().StringArrayVar(&prefixes, "prefix", nil, "Add a ref name prefix (default if none: all names are allowed).")
	cmd.Flags().StringVar(&secret, "secret", "", "Secret used to sign the token.")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", `Load the secret from this file (or "-" for stdin).`)
	cmd.Flags().Int64Var(&durationSecs, "duration", int64(365*24*time.Hour/time.Second), "Lifetime of the token in seconds.")
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	_ = args

	secretBytes, err := readSecret(cmd.InOrStdin())
	if err != nil {
		logg.Fatal(err.Error())
	}
	if durationSecs <= 0 {
		logg.Fatal("--duration must be positive")
	}

	claims := auth.Claims{
		Subject:     subject,
		Scopes:      auth.DefaultScopes,
		DisplayName: tokenName,
		ExpiresAt:   time.Now().Unix() + durationSecs,
	}
	if len(scopes) > 0 {
		claims.Scopes = make(auth.ScopeSet, len(scopes))
		for idx, s := range scopes {
			claims.Scopes[idx] = auth.Scope(s)
			if !auth.IsKnownScope(claims.Scopes[idx]) {
				logg.Fatal("unknown scope: %q", s)
			}
		}
	}
	if len(prefixes) > 0 {
		claims.Prefixes = auth.PrefixSet(prefixes)
	}

	if verbose {
		buf, err := json.Marshal(claims)
		if err != nil {
			logg.Fatal(err.Error())
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Claims: %s\n", buf)
	}

	token, err := auth.NewValidator(secretBytes).Issue(claims)
	if err != nil {
		logg.Fatal(err.Error())
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
}

func readSecret(stdin io.Reader) ([]byte, error) {
	var contents string
	switch {
	case secret != "":
		contents = secret
	case secretFile == "-":
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("cannot read secret from stdin: %w", err)
		}
		contents = string(buf)
	case secretFile != "":
		buf, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read secret: %w", err)
		}
		contents = string(buf)
	default:
		return nil, errors.New("no secret specified, use --secret or --secret-file")
	}

	contents = strings.TrimSpace(contents)
	if isBase64 {
		return repomgr.ParseTokenSecret(contents)
	}
	if contents == "" {
		return nil, errors.New("secret is empty")
	}
	return []byte(contents), nil
}

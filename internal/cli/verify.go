// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/payu/k8ssaidentityextension"
)

var errTokenRejected = errors.New("token rejected")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify one token against the expected service account",
	Long: `Runs the same checks as the service gate for a single token and prints
the decision. The command exits non-zero when the token is not accepted.`,
	Example: `  s3testapp verify --token-file /var/run/secrets/kubernetes.io/serviceaccount/token
  s3testapp verify --token "$TOKEN" --auth-type kubeConfig`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd)
		if err != nil {
			return err
		}

		auth, err := newAuthenticator()
		if err != nil {
			return err
		}

		res := auth.Verifier().Verify(cmd.Context(), token)
		printResult(cmd.OutOrStdout(), auth.Verifier().Identity(), res)

		if !res.Accepted() {
			return fmt.Errorf("%w: %s", errTokenRejected, res.Reason)
		}
		return nil
	},
}

func readToken(cmd *cobra.Command) (string, error) {
	token, _ := cmd.Flags().GetString("token")
	path, _ := cmd.Flags().GetString("token-file")

	if token != "" && path != "" {
		return "", errors.New("--token and --token-file are mutually exclusive")
	}
	if path == "" {
		return token, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printResult(w io.Writer, identity k8ssaidentityextension.ExpectedIdentity, res k8ssaidentityextension.Result) {
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	verdict := color.GreenString("accepted")
	if !res.Accepted() {
		verdict = color.RedString("rejected (%s)", res.Reason)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Field", "Expected", "Asserted"})
	t.AppendRow(table.Row{"Username", identity.Username(), orNone(res.Username, faint)})
	t.AppendRow(table.Row{"Groups", strings.Join(identity.Groups(), "\n"), orNone(strings.Join(res.Groups, "\n"), faint)})
	t.AppendRow(table.Row{"UID", faint("(live lookup)"), orNone(res.UID, faint)})
	t.AppendSeparator()
	t.AppendRow(table.Row{bold("Decision"), verdict, ""})
	if res.Err != nil {
		t.AppendRow(table.Row{"Detail", res.Err.Error(), ""})
	}

	s := table.StyleRounded
	s.Format.Header = text.FormatDefault
	t.SetStyle(s)
	t.Render()
}

func orNone(s string, faint func(a ...interface{}) string) string {
	if s == "" {
		return faint("(none)")
	}
	return s
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().String("token", "", "Token to verify")
	verifyCmd.Flags().String("token-file", "", "Read the token from a file")
}

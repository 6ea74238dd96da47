package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/refract/internal/dsl"
)

var checkCmd = &cobra.Command{
	Use:   "check <spec-file>",
	Short: "Parse a view specification and report errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(raw))
		spec, err := dsl.Parse(text)
		if err != nil {
			var pe *dsl.ParseError
			if errors.As(err, &pe) {
				fmt.Fprintln(os.Stderr, text)
				fmt.Fprintln(os.Stderr, strings.Repeat(" ", min(pe.Offset, len(text)))+"^")
			}
			return err
		}
		fmt.Printf("ok: selects %s", spec.Selector)
		if spec.Remote != "" {
			fmt.Printf(" from %s", spec.Remote)
		}
		if n := len(spec.Chain); n > 0 {
			fmt.Printf(", %d transformation(s)", n)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

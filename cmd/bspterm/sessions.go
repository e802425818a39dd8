package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List configured sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		return printSessions(os.Stdout, appCtx.Sessions.Sessions(), format)
	},
}

func init() {
	sessionsCmd.Flags().StringP("output", "o", "text", "Output format (text|json)")
	rootCmd.AddCommand(sessionsCmd)
}

type sessionSummary struct {
	Name      string          `json:"name"`
	Protocol  config.Protocol `json:"protocol"`
	Address   string          `json:"address"`
	Username  string          `json:"username,omitempty"`
	AutoLogin bool            `json:"auto_login"`
}

func printSessions(w io.Writer, sessions []config.SessionConfig, format string) error {
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, sessionSummary{
			Name:      s.Name,
			Protocol:  s.Protocol,
			Address:   s.Address(),
			Username:  s.Username,
			AutoLogin: s.AutoLogin,
		})
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summaries)
	case "text":
		if len(summaries) == 0 {
			fmt.Fprintln(w, "No sessions configured.")
			return nil
		}
		fmt.Fprintf(w, "%-20s %-8s %-28s %s\n", "NAME", "PROTOCOL", "ADDRESS", "USER")
		for _, s := range summaries {
			fmt.Fprintf(w, "%-20s %-8s %-28s %s\n", s.Name, s.Protocol, s.Address, s.Username)
		}
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", format)
	}
}

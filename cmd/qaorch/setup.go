package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maloun/qaorch/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func newSetupCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively create a config file",
		Long: `Walks through the required settings (Jira, GitHub, Anthropic) and writes
a config file. Tokens are read without echo when run from a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "qaorch.yaml", "path to write the config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runSetup(cmd *cobra.Command, configPath string, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists — use --force to overwrite", configPath)
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())

	var cfg config.Config
	cfg.Jira.BaseURL = strings.TrimSuffix(promptLine(out, scanner, "Jira base URL (e.g. https://acme.atlassian.net)"), "/")
	cfg.Jira.Email = promptLine(out, scanner, "Jira account email")
	cfg.Jira.APIToken = promptSecret(cmd, scanner, "Jira API token")
	cfg.GitHub.Owner = promptLine(out, scanner, "GitHub repository owner")
	cfg.GitHub.Repo = promptLine(out, scanner, "GitHub repository name")
	cfg.GitHub.Token = promptSecret(cmd, scanner, "GitHub token")
	cfg.Anthropic.APIKey = promptSecret(cmd, scanner, "Anthropic API key")
	cfg.Notify.SlackWebhookURL = promptLine(out, scanner, "Slack webhook URL (blank to skip)")

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(out, "\nWrote %s\n", configPath)
	fmt.Fprintln(out, "Review the file for optional settings (queue sizing, defect filing, db driver), then run:")
	fmt.Fprintf(out, "  qaorch db init -c %s\n", configPath)
	fmt.Fprintf(out, "  qaorch serve -c %s\n", configPath)
	return nil
}

func promptLine(out io.Writer, scanner *bufio.Scanner, label string) string {
	fmt.Fprintf(out, "%s: ", label)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// promptSecret reads without echo when stdin is a terminal, and falls back to
// a plain line read when input is piped.
func promptSecret(cmd *cobra.Command, scanner *bufio.Scanner, label string) string {
	out := cmd.OutOrStdout()

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(out, "%s: ", label)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
		// Fall through to the line reader on terminal errors.
	}
	return promptLine(out, scanner, label)
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	baseURL := getenv("CROWDQ_BASE_URL", "http://localhost:8080")
	token := getenv("CROWDQ_TOKEN", "")
	profileName := getenv("CROWDQ_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "crowdq",
		Short: "crowdq CLI",
		Long:  "crowdq CLI for inspecting and steering a running survey campaign.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL of the crowdq server")
	root.PersistentFlags().StringVar(&token, "token", token, "Operator bearer token")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") && strings.TrimSpace(os.Getenv("CROWDQ_BASE_URL")) == "" && prof.BaseURL != "" {
			baseURL = prof.BaseURL
		}
		if !flags.Changed("token") && strings.TrimSpace(os.Getenv("CROWDQ_TOKEN")) == "" && prof.Token != "" {
			token = prof.Token
		}
		return nil
	}

	api := func() *client { return newClient(baseURL, token) }

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(authCmd(&profileName, ui))
	root.AddCommand(statusCmd(api, ui))
	root.AddCommand(watchCmd(api, ui))
	root.AddCommand(responsesCmd(api, ui))
	root.AddCommand(taskCmd(api, ui))
	root.AddCommand(bonusCmd(api, ui))
	root.AddCommand(reclassifyCmd(api, ui))
	root.AddCommand(auditCmd(api, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("crowdq")
	return fmt.Sprintf(`%s: CLI for crowdq campaigns

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  crowdq init
  crowdq status
  crowdq watch --interval 5s
  crowdq responses --list rejected
  crowdq task create --max-submissions 20 --reward 0.15
  crowdq bonus A1B2C3 --amount 0.50 --reason "detailed answers"
  crowdq reclassify A1B2C3 --threshold 0.4

`, title, configPath())
}

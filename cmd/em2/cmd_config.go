package main

import (
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/em2/internal/config"
	"github.com/user/em2/internal/signing"
)

var configReveal bool

func init() {
	configListCmd.Flags().BoolVar(&configReveal, "reveal", false, "show secret values unmasked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd, configCheckCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values, secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Values that parse as JSON (numbers, booleans, lists) keep their type.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// SetValue edits an existing file
		loadConfig()
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		shown := args[1]
		if config.IsSecretKey(args[0]) {
			shown = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report settings that keep serve or its features from working",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		problems := checkConfig(loadConfig())
		if len(problems) == 0 {
			fmt.Fprintln(os.Stdout, "Configuration OK.")
			return nil
		}
		for _, p := range problems {
			fmt.Fprintln(os.Stdout, "-", p)
		}
		return fmt.Errorf("%d configuration problem(s)", len(problems))
	},
}

func checkConfig(cfg *config.Config) []string {
	var problems []string
	if cfg.Signing.PrivateKey == "" {
		problems = append(problems, "signing.private_key is empty; serve will refuse to start")
	} else if _, err := signing.NewSigner(cfg.Signing.PrivateKey); err != nil {
		problems = append(problems, "signing.private_key: "+err.Error())
	}
	if u, err := url.Parse(cfg.Node.URL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "node.url must be an absolute URL")
	}
	if len(cfg.Node.LocalDomains) == 0 {
		problems = append(problems, "node.local_domains is empty; no address is served here")
	}
	if cfg.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is empty; the local API answers 501")
	}
	switch cfg.Fallback.Provider {
	case "log":
	case "smtp":
		if cfg.Fallback.SMTP.Host == "" {
			problems = append(problems, "fallback.smtp.host is empty; fallback mail cannot be sent")
		}
	default:
		problems = append(problems, fmt.Sprintf("fallback.provider %q is unknown (smtp or log)", cfg.Fallback.Provider))
	}
	if cfg.Fallback.Webhook.Token == "" {
		problems = append(problems, "fallback.webhook.token is empty; inbound mail webhook answers 501")
	}
	return problems
}

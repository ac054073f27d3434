package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/errors"
)

// AmCmd inspects the configuration
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Inspect cascade configuration",
	Long: `Show, validate and locate the configuration cascade runs with.

Configuration is merged from /etc/cascade/cascade.toml,
~/.cascade/cascade.toml, the nearest project cascade.toml and CASCADE_*
environment variables, in increasing precedence. Secrets are
masked in output.`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Print the config file that takes precedence",
	RunE:  runAmWhere,
}

func init() {
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	v := am.GetViper()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v = viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		am.SetDefaults(v)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	out, err := am.Render(v)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		pterm.Error.Println(errors.FlattenDetails(err))
		return err
	}
	pterm.Success.Printf("Configuration is valid (%d entities, driver %s)\n", len(cfg.Entities), cfg.Database.Driver)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	if path == "" {
		pterm.Info.Println("No config file found; using defaults and CASCADE_* environment")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

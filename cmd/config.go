package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/stereorec/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage stereorec configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))

		if showInheritance, _ := cmd.Flags().GetBool("inheritance"); showInheritance {
			fmt.Printf("\n# fields set by profile %q:\n", cfg.Profile)
			for _, name := range cfg.Inheritance.Names() {
				fmt.Printf("#   %s\n", name)
			}
		}
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the profiles of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			fmt.Printf("* %s (built-in)\n", config.DefaultProfile)
			return nil
		}
		names, active, err := config.ProfileNames(cfgFile)
		if err != nil {
			return err
		}
		if active == "" {
			active = config.DefaultProfile
		}
		for _, n := range names {
			marker := " "
			if n == active {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, n)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Set the active profile in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no config file found at %s", defaultConfigFile())
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to %s\n", args[0])
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigFile()
		}
		fmt.Printf("Opening %s with %s...\n", configPath, editor)

		c := exec.CommandContext(cmd.Context(), editor, configPath)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("editor failed: %w", err)
		}
		if _, err := config.ValidateConfigurationFormat(configPath); err != nil {
			return fmt.Errorf("edited config is invalid: %w", err)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("inheritance", false, "list the fields the active profile sets itself")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configEditCmd)
}

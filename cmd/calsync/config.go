package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/calsync/internal/config"
	"github.com/mschirtzinger/calsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if path == "-" {
			if err := config.WriteDefault(os.Stdout); err != nil {
				fatalf("%v", err)
			}
			return
		}
		if err := config.WriteDefaultFile(path, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass(ui.IconPass), path)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.File == "" {
			fmt.Println("(none, using defaults)")
			return
		}
		fmt.Println(cfg.File)
	},
}

func init() {
	configInitCmd.Flags().String("path", config.FileName+".toml", `Where to write ("-" for stdout)`)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

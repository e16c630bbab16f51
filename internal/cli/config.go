package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the config file, IMGSRV_* environment
variables and flags are applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitError("%v", err)
		}
		if err := cfg.Encode(os.Stdout); err != nil {
			exitError("%v", err)
		}
	},
}

// Package cli implements wafguardd's command-line entrypoint, wiring
// every component (C1-C10) together and managing process lifecycle.
// Adapted from the teacher's service/cmd/root.go: cobra root command,
// viper-bound config file under $HOME, persistent flags for overrides.
package cli

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wafguardd",
	Short: "WAF telemetry, intrusion detection and IP-ban manager",
	Long: `
wafguardd tails a ModSecurity audit log, detects attack bursts per IP,
and enforces bans across configured firewall integrations, reconciling
drift between its own record and what each integration actually
enforces.
`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wafguard.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".wafguard")
	}

	viper.SetEnvPrefix("WAFGUARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

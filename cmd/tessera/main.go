package main

import (
	"fmt"
	"os"
	"os/user"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fentz26/tessera/internal/scheduler"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tessera",
	Short: "Tessera - multi-tenant job scheduler",
	Long: `Tessera admits data-exchange jobs into per-tenancy FIFO queues and runs them
on a bounded pool of executors, with per-tenancy concurrency limits.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of Tessera",
	Run:   runVersion,
}

var (
	apiAddr    string
	loginUser  string
	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&loginUser, "user", currentUser(), "Login user sent to the API")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $HOME/.tessera/tessera.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(tenancyCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("%s version %s\n", scheduler.Name, version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command checkoutctl is the support tool for checkout attempts that need a
// human: charged payments without an order, and stuck attempts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overdrive-yt/sportsdevil/internal/config"
	"github.com/overdrive-yt/sportsdevil/internal/repository"
)

var Version = "dev"

func main() {
	if err := newRootCmd(openRepository).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Inspect and resolve checkout attempts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the service YAML config")

	loadConfig := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	rootCmd.AddCommand(attemptsCmd(loadConfig, open))
	rootCmd.AddCommand(backoffCmd(loadConfig))
	return rootCmd
}

// opener connects to the attempt ledger described by cfg.
type opener func(ctx context.Context, cfg *config.Config) (AttemptStore, func(), error)

func openRepository(ctx context.Context, cfg *config.Config) (AttemptStore, func(), error) {
	repo, err := repository.NewRepository(ctx, &repository.Credentials{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
		SSLMode:  cfg.Postgres.SSLMode,
	})
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

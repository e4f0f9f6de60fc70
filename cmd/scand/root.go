package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scand/internal/app"
	"scand/internal/config"
	"scand/internal/logging"
	"scand/internal/scanner"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "scand",
		Short:         "Vulnerability scan dispatch service",
		Long:          "scand queues scan requests, drives backend scanner pools, and serves projected results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newScannersCommand(&configPath))
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	var fake bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch workers and housekeeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Output: os.Stderr,
			})
			logger := logging.NewComponentLogger("scand")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []app.Option
			if fake {
				factory, _ := scanner.FakeFactory()
				opts = append(opts, app.WithScannerFactory(factory))
				logger.Warn("running with fake scanners, no backend will be contacted")
			}

			a, err := app.New(ctx, cfg, logger, opts...)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&fake, "fake", false, "Use in-memory fake scanners instead of real backends")
	return cmd
}

func newScannersCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scanners",
		Short: "Describe the configured scanner pools",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			descs, err := scanner.LoadDescriptors(cfg.ScannersFile)
			if err != nil {
				return err
			}
			printScanners(descs, cfg.DefaultPool)
			return nil
		},
	}
}

func printScanners(descs []scanner.Descriptor, defaultPool string) {
	byPool := make(map[string][]scanner.Descriptor)
	var pools []string
	for _, d := range descs {
		if _, ok := byPool[d.Pool]; !ok {
			pools = append(pools, d.Pool)
		}
		byPool[d.Pool] = append(byPool[d.Pool], d)
	}

	for _, pool := range pools {
		marker := ""
		if pool == defaultPool {
			marker = yellow(" (default)")
		}
		fmt.Printf("%s%s\n", bold(pool), marker)
		for _, d := range byPool[pool] {
			state := green("enabled")
			if !d.Enabled {
				state = red("disabled")
			}
			fmt.Printf("  %-16s %-8s %s  capacity=%d  %s\n",
				d.InstanceKey, d.ScannerType, d.URL, d.MaxConcurrentScans, state)
		}
	}
}

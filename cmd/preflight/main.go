// cmd/preflight/main.go
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/hamed0406/gefion/internal/config"
	"github.com/hamed0406/gefion/internal/notify"
)

var errFailed = errors.New("preflight failed")

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "preflight",
		Short:         "Check a gefion config before starting a binary",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")

	for _, role := range []config.Role{config.RoleMaster, config.RoleWorker} {
		root.AddCommand(&cobra.Command{
			Use:   string(role),
			Short: fmt.Sprintf("Validate the config for the %s role", role),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return check(cfgPath, role)
			},
		})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✖", err)
		os.Exit(1)
	}
}

func check(path string, role config.Role) error {
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(role); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, "✖", e)
		}
		return errFailed
	}

	switch role {
	case config.RoleMaster:
		ok("listen=" + cfg.Listen)
		ok("database driver=" + cfg.Database.Driver)
		if cfg.Database.Driver == config.DriverMemory {
			warn("database driver is memory; monitor state is lost on restart.")
		}
		if len(cfg.Workers) == 0 {
			warn("no workers configured; /monitors accepts any basic-auth user.")
		}
		kinds := notify.NewRegistryFromConfig(cfg.Config).Kinds()
		if len(kinds) == 0 {
			warn("no notifiers configured; transitions will only be logged.")
		} else {
			ok(fmt.Sprintf("notifiers=%v", kinds))
		}
		ok(fmt.Sprintf("%d monitors", len(cfg.Monitors)))
	case config.RoleWorker:
		ok("master=" + cfg.Master.Endpoint)
		ok("my_name=" + cfg.MyName)
		ok("sync schedule=" + cfg.Sync.Schedule)
		if cfg.Master.Key == "" {
			warn("master.key is empty; the master must run without worker keys.")
		}
	}

	ok("preflight passed")
	return nil
}

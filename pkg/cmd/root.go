package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/manager"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

var (
	flagAddonDir    string
	flagConcurrency int
	flagLogLevel    string
	flagLogFormat   string
	flagTrace       bool
	flagNoPrompt    bool

	// Settings holds the resolved settings, available to all subcommands
	// after PersistentPreRunE completes.
	Settings *config.Settings
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "addonpkg",
		Short: "World of Warcraft add-on manager",
		Long: `addonpkg installs, updates and removes World of Warcraft add-ons from
CurseForge, WoWInterface, Tukui, GitHub and local folders.

Add-ons are named as source:id, for example curseforge:3358 or
wowi:5108. A bare name is looked up in the catalogue.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(settingOverrides(cmd))
			if err != nil {
				return err
			}
			Settings = s
			return nil
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&flagAddonDir, "addon-dir", "", "the game's Interface/AddOns directory")
	flags.IntVar(&flagConcurrency, "concurrency", 0, "maximum simultaneous downloads")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format (console or json)")
	flags.BoolVar(&flagTrace, "trace", false, "print trace spans to stderr")
	flags.BoolVar(&flagNoPrompt, "no-prompt", false, "never ask questions; ambiguous names fail")

	root.AddCommand(newInitCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newPinCmd())
	root.AddCommand(newUnpinCmd())
	root.AddCommand(newCatalogueCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newExportCmd())

	return root
}

// settingOverrides maps the flags the user set onto settings keys.
func settingOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	flags := cmd.Flags()
	if flags.Changed("addon-dir") {
		overrides["addon_dir"] = flagAddonDir
	}
	if flags.Changed("concurrency") {
		overrides["concurrency"] = flagConcurrency
	}
	if flags.Changed("log-level") {
		overrides["log.level"] = flagLogLevel
	}
	if flags.Changed("log-format") {
		overrides["log.format"] = flagLogFormat
	}
	return overrides
}

// session is an open manager plus whatever must be flushed after it.
type session struct {
	*manager.Manager
	shutdown []func(context.Context) error
}

// openSession builds the logger, the optional tracer and the manager from
// Settings. The caller must Close the session.
func openSession(cmd *cobra.Command) (*session, error) {
	log, err := telemetry.NewLogger(telemetry.LogConfig{
		Level:  Settings.Log.Level,
		Format: Settings.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	s := &session{}
	if flagTrace {
		tp, err := telemetry.NewStdoutTracerProvider(cmd.ErrOrStderr(), "addonpkg", Version)
		if err != nil {
			return nil, err
		}
		s.shutdown = append(s.shutdown, tp.Shutdown)
	}

	s.Manager, err = manager.New(cmd.Context(), manager.Config{
		Settings:  Settings,
		UserAgent: "addonpkg/" + Version,
		Events:    telemetry.LogEmitter{Log: telemetry.Component(log, "events")},
		Log:       log,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	if s.Manager != nil {
		errs = append(errs, s.Manager.Close())
	}
	for _, fn := range s.shutdown {
		errs = append(errs, fn(context.Background()))
	}
	return errors.Join(errs...)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

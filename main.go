package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/khanghh/identcore/internal/app"
	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

var (
	cliApp    *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "Load environment variables from a dotenv file",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	cliApp = cli.NewApp()
	cliApp.EnableBashCompletion = true
	cliApp.Usage = "identcore - identity and session core"
	cliApp.Version = params.VersionWithCommit(gitCommit, gitDate)
	cliApp.Flags = []cli.Flag{
		configFileFlag,
		envFileFlag,
		debugFlag,
	}
	cliApp.Before = loadEnvFile
	cliApp.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "Print version information",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:   "migrate",
			Usage:  "Create or update database tables",
			Action: runMigrate,
		},
		{
			Name:  "config",
			Usage: "Inspect and change runtime configuration",
			Subcommands: []*cli.Command{
				{
					Name:      "get",
					Usage:     "Print the resolved value and source of a key",
					ArgsUsage: "KEY",
					Action:    runConfigGet,
				},
				{
					Name:      "set",
					Usage:     "Store a value for a key",
					ArgsUsage: "KEY VALUE",
					Action:    runConfigSet,
				},
				{
					Name:   "list",
					Usage:  "Print resolved values of all keys and stored values of unknown keys",
					Action: runConfigList,
				},
				{
					Name:   "check",
					Usage:  "Validate that every required key resolves",
					Action: runConfigCheck,
				},
			},
		},
	}
	cliApp.Action = run
}

func loadEnvFile(ctx *cli.Context) error {
	if envFile := ctx.String(envFileFlag.Name); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	return nil
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return nil, err
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))
	return cfg, nil
}

func openResolver(ctx *cli.Context) (*config.Resolver, *gorm.DB, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, nil, err
	}
	return app.NewResolver(cfg, db, nil), db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

func runMigrate(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return err
	}
	defer closeDB(db)
	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		return err
	}
	slog.Info("Database migrated")
	return nil
}

func runConfigGet(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowSubcommandHelp(ctx)
	}
	resolver, db, err := openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db)

	entry, err := resolver.Resolve(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("%s=%s (%s)\n", entry.Key, entry.Value, entry.Source)
	return nil
}

func runConfigSet(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowSubcommandHelp(ctx)
	}
	resolver, db, err := openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db)
	return resolver.Set(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
}

func runConfigList(ctx *cli.Context) error {
	resolver, db, err := openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db)

	stored, err := resolver.Stored(ctx.Context)
	if err != nil {
		return err
	}
	registered := make(map[string]bool)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	for _, k := range resolver.Keys() {
		registered[k.Name] = true
		entry, err := resolver.Resolve(ctx.Context, k.Name)
		if err != nil {
			fmt.Fprintf(w, "%s\t\t%v\n", k.Name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Key, entry.Value, entry.Source)
	}
	for _, entry := range stored {
		if !registered[entry.Key] {
			fmt.Fprintf(w, "%s\t%s\tunregistered\n", entry.Key, entry.Value)
		}
	}
	return w.Flush()
}

func runConfigCheck(ctx *cli.Context) error {
	resolver, db, err := openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeDB(db)

	err = resolver.Init(ctx.Context)
	var validationErr *config.ValidationError
	if errors.As(err, &validationErr) {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSOURCE\tERROR")
		for _, f := range validationErr.Failures {
			fmt.Fprintf(w, "%s\t%s\t%v\n", f.Key, f.Source, f.Err)
		}
		w.Flush()
		return cli.Exit("configuration is invalid", 1)
	}
	if err != nil {
		return err
	}
	fmt.Println("configuration ok")
	return nil
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return err
	}
	defer a.Close()

	if err := model.AutoMigrate(a.DB); err != nil {
		slog.Error("Database migration failed", "error", err)
		return err
	}
	if err := a.Init(ctx.Context); err != nil {
		slog.Error("Invalid runtime configuration", "error", err)
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthCheckCtx, term := context.WithCancel(sigCtx)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, cfg.HealthCheckAddr, a.Redis.Conn(), a.DB, a.Registry)
	slog.Info("Identity core started", "version", params.Version, "healthcheck", cfg.HealthCheckAddr)

	select {
	case <-sigCtx.Done():
		slog.Info("Shutting down")
	case <-done:
		slog.Error("Health check server exited")
	}
	term()
	<-done
	return nil
}

func main() {
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

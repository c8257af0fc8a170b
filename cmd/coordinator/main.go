// Command coordinator runs the transcribee coordinator: the HTTP and
// websocket API, the task queue and its background sweepers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"transcribee.dev/coordinator/coordinator"
	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/coordinatordb"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/web"
	"transcribee.dev/coordinator/coordinator/workers"
)

var (
	rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "transcribee coordinator",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE:  cmdMigrate,
	}
	createAPITokenCmd = &cobra.Command{
		Use:   "create-api-token [name]",
		Short: "Create an admin token for worker management",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdCreateAPIToken,
	}
)

func init() {
	viper.SetEnvPrefix("transcribee")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.String("database", "postgres://localhost/transcribee", "postgres connection string")
	flags.String("address", ":8000", "address to listen on")
	flags.String("storage-path", "storage/", "directory for media blobs")
	flags.String("secret-key", "insecure-secret-key", "secret key for signed media urls")
	flags.String("media-url-base", "http://localhost:8000/", "base url for media links")
	flags.Duration("media-signature-max-age", time.Hour, "validity of signed media urls")
	flags.Duration("worker-timeout", time.Minute, "how long a task attempt may go without keepalives")
	flags.Int("task-attempt-limit", 5, "attempts a task gets before failing terminally")
	flags.Duration("token-validity", 7*24*time.Hour, "how long login tokens stay valid")
	flags.Duration("export-timeout", 10*time.Minute, "how long an export request waits for a worker result")
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(runCmd, migrateCmd, createAPITokenCmd)
}

func loadConfig() coordinator.Config {
	return coordinator.Config{
		Database:             viper.GetString("database"),
		StoragePath:          viper.GetString("storage-path"),
		SecretKey:            viper.GetString("secret-key"),
		MediaURLBase:         viper.GetString("media-url-base"),
		MediaSignatureMaxAge: viper.GetDuration("media-signature-max-age"),
		Web: web.Config{
			Address: viper.GetString("address"),
		},
		Console: console.Config{
			TokenValidity: viper.GetDuration("token-validity"),
		},
		Tasks: tasks.Config{
			WorkerTimeout: viper.GetDuration("worker-timeout"),
			AttemptLimit:  viper.GetInt("task-attempt-limit"),
			ExportTimeout: viper.GetDuration("export-timeout"),
		},
	}
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config := loadConfig()
	db, err := coordinatordb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating database: %+v", err)
	}

	peer, err := coordinator.New(log, db, config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	runErr := peer.Run(ctx)
	if ctx.Err() != nil {
		// a signal requested the shutdown
		return nil
	}
	return runErr
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config := loadConfig()
	db, err := coordinatordb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func cmdCreateAPIToken(cmd *cobra.Command, args []string) (err error) {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config := loadConfig()
	db, err := coordinatordb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	secret, err := workers.NewToken()
	if err != nil {
		return err
	}
	token, err := db.ApiTokens().Insert(ctx, &workers.ApiToken{
		Name:  args[0],
		Token: secret,
	})
	if err != nil {
		return err
	}
	fmt.Println(token.Token)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maryammeda/tracker/api"
	"github.com/maryammeda/tracker/reminder"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(newViper()).Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "tracker",
		Short:         "Assignment tracker API and daily reminder job",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(v), newRemindCmd(v))
	return root
}

func newLogger(cfg *config) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func setup(v *viper.Viper) (*config, *log.Logger, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, errors.Wrap(err, "config")
	}
	return cfg, newLogger(cfg), nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the assignments API and run the reminder scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides LISTEN_ADDR)")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context, cfg *config, logger *log.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	auth, err := a.auth()
	if err != nil {
		return err
	}
	deduper := api.NewRedisDeduper(a.redis, cfg.DeduperTTL)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))

	var sched api.Scheduler
	if cfg.ReminderEnabled {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()
		sched = a.scheduler
	}
	api.Register(e, a.cache, sched, auth, deduper, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "http server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

func newRemindCmd(v *viper.Viper) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Run the reminder scan once and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := remindOnce(ctx, a.job, a.scheduler, date)
			if err != nil {
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(append(out, '\n')); err != nil {
				return err
			}
			if !summary.OK() {
				return errors.New("reminder run failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "treat this day (YYYY-MM-DD) as today instead of the current date")
	return cmd
}

// remindOnce runs the job for the given day, or for the scheduler's current
// local day when date is empty.
func remindOnce(ctx context.Context, job *reminder.Job, sched *reminder.Scheduler, date string) (reminder.RunSummary, error) {
	if date == "" {
		return sched.RunNow(ctx), nil
	}
	today, err := civil.ParseDate(date)
	if err != nil {
		return reminder.RunSummary{}, errors.Wrapf(err, "invalid --date %q", date)
	}
	return job.Run(ctx, today), nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"table-sync-service/internal/api"
	"table-sync-service/internal/config"
	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote/backends"
	"table-sync-service/internal/store"
	"table-sync-service/internal/sync"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "table-sync",
	Short:         "Sync database tables with a remote object store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduler and the realtime trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		scheduler := sync.NewScheduler(a.cfg.Scheduler, a.manager)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer scheduler.Stop()

		if a.cfg.Sync.Realtime {
			if err := a.manager.StartRealtime(cmd.Context()); err != nil {
				logger.Log.Error("Realtime sync disabled", zap.Error(err))
			}
		}

		handler := api.NewHandler(a.manager, a.store, a.cfg.Server.AuthToken)
		serverAddr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
		server := &http.Server{
			Addr:         serverAddr,
			Handler:      handler.Routes(),
			ReadTimeout:  a.cfg.Server.GetReadTimeout(),
			WriteTimeout: a.cfg.Server.GetWriteTimeout(),
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Log.Info("Server listening", zap.String("addr", serverAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		}

		logger.Log.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync session and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, runErr := a.manager.RunSession(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		return runErr
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the persisted sync session",
}

var sessionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the sync session from the configuration",
	Long: `Create the sync session from the configuration.

An existing session is kept unless --force is given. Re-creating the
session resets the watermark, so the next run compares every record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, db, st, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		_, err = st.LoadSession(cmd.Context())
		switch {
		case err == nil && !force:
			return errors.New("sync session already exists, use --force to re-create it")
		case err != nil && !errors.Is(err, store.ErrNoSession):
			return err
		}

		manager := sync.NewManager(cfg, db, st, nil)
		sess, err := manager.InitSession(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session created for %s on %s\n", sess.ApplicationName, sess.ServiceType)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync session and the latest sessions run",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, st, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		sess, err := st.LoadSession(cmd.Context())
		if errors.Is(err, store.ErrNoSession) {
			fmt.Fprintln(cmd.OutOrStdout(), "No sync session. Run 'table-sync session init' first.")
			return nil
		}
		if err != nil {
			return err
		}
		history, err := st.GetSyncHistory(cmd.Context(), 5, 0)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Application:    %s\n", sess.ApplicationName)
		fmt.Fprintf(out, "Service:        %s\n", sess.ServiceType)
		fmt.Fprintf(out, "Last sync time: %s\n", time.Unix(sess.LastSyncTime, 0).UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "Max items:      %d\n", sess.MaxItemsToSync)
		for _, h := range history {
			fmt.Fprintf(out, "  %s  %-9s pushed=%d pulled=%d skipped=%d failed=%d\n",
				h.StartedAt.UTC().Format(time.RFC3339), h.Status, h.Pushed, h.Pulled, h.Skipped, h.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	sessionInitCmd.Flags().Bool("force", false, "re-create an existing session")

	sessionCmd.AddCommand(sessionInitCmd)
	rootCmd.AddCommand(serveCmd, runCmd, sessionCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

type app struct {
	cfg     *config.Config
	db      *database.Database
	store   store.Store
	manager *sync.Manager
}

func openStore() (*config.Config, *database.Database, *store.SQLStore, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := logger.InitLogger(cfg.Logging); err != nil {
		return nil, nil, nil, err
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.NewSQLStore(db)
	if err := st.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return cfg, db, st, nil
}

// open wires the manager to the object store named by the persisted
// session.
func open(ctx context.Context) (*app, error) {
	cfg, db, st, err := openStore()
	if err != nil {
		return nil, err
	}

	sess, err := sync.NewManager(cfg, db, st, nil).LoadSession(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	r, err := backends.Open(ctx, sess.ServiceType, sess.SessionInfo, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", sess.ServiceType, err)
	}

	logger.Log.Info("Starting table sync service",
		zap.String("application", sess.ApplicationName),
		zap.String("service", sess.ServiceType),
		zap.String("driver", cfg.Database.Driver),
	)
	return &app{cfg: cfg, db: db, store: st, manager: sync.NewManager(cfg, db, st, r)}, nil
}

func (a *app) close() {
	a.manager.Close()
	a.db.Close()
}

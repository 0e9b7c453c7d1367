// SPDX-License-Identifier: GPL-2.0-or-later

package rtspgate

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"rtspgate/pkg/auth"
	"rtspgate/pkg/config"
	"rtspgate/pkg/gateway"
	"rtspgate/pkg/log"
	"rtspgate/pkg/metrics"
	"rtspgate/pkg/system"
	"rtspgate/pkg/vms"
	"rtspgate/pkg/web"
)

// Run parses flags, builds the application and serves until a fatal
// error or a termination signal.
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.logger.Info().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.logger.Info().Msg("") // New line.
		app.logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	app.gateway.Stop()
	app.logger.Info().Src("app").Msg("Gateway stopped.")

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	return app.web.Shutdown(ctx2)
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := config.NewEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg)
	logDB := log.NewDB(filepath.Join(env.StorageDir, "logs.db"), wg)

	// Domain platform client.
	broker := vms.NewClient(env.BrokerURL, env.BrokerWSURL)

	// Authentication.
	gate, err := auth.NewGate(
		env.AccountsPath, env.LoopbackUser, env.LoopbackPass, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create credential gate: %w", err)
	}

	m := metrics.New()

	// RTSP gateway.
	gw := gateway.NewGateway(
		gateway.Config{
			RTSPAddress:  ":" + strconv.Itoa(env.RTSPPort),
			MediaAddr:    env.MediaAddr,
			ReadTimeout:  env.ReadTimeout,
			WriteTimeout: env.WriteTimeout,
		},
		gate,
		broker,
		m,
		logger,
	)

	sys := system.New(env.StorageDir, logger)

	// Admin server.
	webServer := web.NewServer(
		":"+strconv.Itoa(env.Port),
		gate,
		gw.Accounting(),
		gw.Registry(),
		logDB,
		sys,
		m,
		logger,
	)

	return &App{
		wg:      wg,
		env:     env,
		logger:  logger,
		logDB:   logDB,
		gateway: gw,
		sys:     sys,
		web:     webServer,
	}, nil
}

// App is the main application struct.
type App struct {
	wg      *sync.WaitGroup
	env     *config.Env
	logger  *log.Logger
	logDB   *log.DB
	gateway *gateway.Gateway
	sys     *system.System
	web     *web.Server
}

func (app *App) run(ctx context.Context) error {
	app.logger.Start(ctx)
	go app.logger.LogToStdout(ctx)

	if err := os.MkdirAll(app.env.StorageDir, 0o755); err != nil {
		return fmt.Errorf("could not create storage directory: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.logger.Info().Src("app").Msg("Starting..")

	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("could not start gateway: %w", err)
	}

	go app.sys.StatusLoop(ctx)

	return app.web.ListenAndServe()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/modules/chamber"
	"github.com/klimakammer/klimakammer/controller/schedule"
	"github.com/klimakammer/klimakammer/controller/settings"
	"github.com/klimakammer/klimakammer/controller/storage"
	"github.com/klimakammer/klimakammer/controller/telemetry"
)

func main() {
	config := flag.String("config", "", "Path to the YAML configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with KLIMAKAMMER_* overrides")
	flag.Parse()
	if err := run(*config, *envFile); err != nil {
		log.Fatalln("ERROR:", err)
	}
}

func run(config, envFile string) error {
	s, err := settings.Load(config, envFile)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	regs, err := s.RegisterMap()
	if err != nil {
		return fmt.Errorf("registers: %w", err)
	}

	db, err := storage.NewStore(s.Database)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.Database, err)
	}
	defer db.Close()

	var store *schedule.Store
	switch s.Schedule.Backend {
	case "bolt":
		if store, err = schedule.NewBoltStore(db); err != nil {
			return err
		}
	default:
		store = schedule.NewFileStore(s.Schedule.Path)
	}

	metrics := telemetry.NewMetrics()
	dev, err := bus.Open(s.Bus.DevMode)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	transport := bus.New(dev, s.Bus.SettleDelay, metrics)
	defer transport.Close()

	pub, err := telemetry.NewPublisher(s.MQTT)
	if err != nil {
		log.Println("WARNING: telemetry disabled:", err)
		pub = telemetry.NoopPublisher{}
	}

	c, err := chamber.New(chamber.Config{
		SweepSpec:       s.Sweep.Spec,
		PublishReadings: s.MQTT.PublishReadings,
	}, chamber.Options{
		Registers:    regs,
		Bus:          transport,
		Schedule:     store,
		Store:        db,
		Publisher:    pub,
		Metrics:      metrics,
		ExpireClosed: s.Sweep.ExpireClosedWindows,
	})
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	c.LoadAPI(router)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	srv := &http.Server{
		Addr:              s.Server.Address,
		Handler:           handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.LoggingHandler(os.Stdout, router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.Start()
	errs := make(chan error, 1)
	go func() {
		log.Println("Starting http server at:", s.Server.Address)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Println("WARNING: systemd notify:", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Println("Shutting down")
	case err = <-errs:
		log.Println("ERROR: http server:", err)
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(ctx); serr != nil {
		log.Println("ERROR: http shutdown:", serr)
	}
	c.Stop()
	return err
}

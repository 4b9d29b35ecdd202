package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	echoapi "github.com/masomo/campus/apps/api/echo"
	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
	logsvc "github.com/masomo/campus/services/logger"
	"github.com/masomo/campus/services/realtime"
	"github.com/masomo/campus/services/realtime/redisbus"
	"github.com/masomo/campus/storage/database"
	"github.com/masomo/campus/storage/database/inmem"
	sqlxrepos "github.com/masomo/campus/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := newLogger("API : ", conf)
	dbLogger := newLogger("DB : ", conf)
	rtLogger := newLogger("RT : ", conf)
	chatLogger := newLogger("CHAT : ", conf)

	// set up DB & repos
	var (
		usrRepo  user.Repository
		chatRepo chat.Repository
	)
	if conf.Database.InMemory {
		db := inmemdb.Open()
		usrRepo = inmemdb.NewUserRepository(db)
		chatRepo = inmemdb.NewChatRepository(db)
		dbLogger.Info("Using the in-memory database")
	} else {
		db, err := setUpDB(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		defer func() {
			if err = db.Close(); err != nil {
				dbLogger.Fatal("Failed to close", err)
			}
		}()
		usrRepo = sqlxrepos.NewUserRepository(db)
		chatRepo = sqlxrepos.NewChatRepository(db)
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : %s", conf))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	chat.InitValidators(validate, translator)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := realtime.NewHub(rtLogger, realtime.NewMetrics(registry))
	defer hub.Close()

	// events go through Redis when several instances serve the sockets
	var publisher chat.Publisher = hub
	if conf.Realtime.RedisURL != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, err := redisbus.NewClient(ctx, conf.Realtime.RedisURL)
		if err != nil {
			logger.Fatal(fmt.Sprintf("connecting to redis: %v", err), err)
		}
		bus := redisbus.New(client, conf.Realtime.RedisChannel, hub, rtLogger)
		defer bus.Close()
		go func() {
			if err := bus.Run(ctx); err != nil {
				rtLogger.Error(fmt.Sprintf("redis bus stopped: %v", err), err)
			}
		}()
		publisher = bus
	}

	// set up services
	usrSvc := user.NewService(usrRepo)
	chatSvc := chat.NewService(chatRepo, usrSvc, publisher, validate, chatLogger)
	rtServer := realtime.NewServer(hub, chatSvc, conf.Realtime, translator, rtLogger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.Publish("connections", expvar.Func(func() interface{} { return hub.Connections() }))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			UserSvc:    usrSvc,
			ChatSvc:    chatSvc,
			Realtime:   rtServer,
			Gatherer:   registry,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// sockets are hijacked connections: the server does not wait for them
		hub.Close()

		// asking listener to shutdown and shed load
		if err := server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func newLogger(prefix string, conf *core.Config) *logsvc.RollbarLogger {
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	return logger
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout*6)
	defer cancel()

	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db.DB); err != nil {
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

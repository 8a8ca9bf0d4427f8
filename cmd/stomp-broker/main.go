package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/server"
	_ "go.uber.org/automaxprocs"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file (.json, .yaml or .yml)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of the given password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error occured while hashing password %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(logger.Options{
		Debug:     cfg.DebugMode,
		Directory: cfg.Log.Directory,
		Retention: cfg.LogRetention(),
	})
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	abort := func() {
		_ = cleaner.Clean()
		_ = loggerCallback.Invoke(context.Background())
		os.Exit(1)
	}

	var store database.SessionStore = database.NewMemoryStore(cfg.Database.MemoryHistory)
	if cfg.Database.Enabled {
		mongoStore, err := database.ConnectDatabase(&cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			abort()
		}
		cleaner.Add(mongoStore)
		store = mongoStore
	} else {
		logger.Info("Database disabled, session audit records are kept in memory")
	}
	recorder := database.NewAsyncRecorder(store, 4096)
	cleaner.Add(recorder)

	srv, err := server.NewServer(&cfg, server.Options{Recorder: recorder})
	if err != nil {
		logger.FatalF("Error occured while initializing server, details: %v", err)
		abort()
	}
	if err := srv.Start(); err != nil {
		logger.FatalF("STOMP Server Start error: %v", err)
		abort()
	}
	// 倒序清理: 先停服务器, 再刷新审计记录, 最后断开数据库
	cleaner.Add(srv)

	select {}
}

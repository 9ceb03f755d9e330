package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"

	"github.com/konorlevich/medlog/internal/attachment-service/attachment"
	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/handler"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
	"github.com/konorlevich/medlog/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	l := cfg.NewLogger().WithFields(log.Fields{
		"rest_port":  cfg.Port,
		"db_file":    cfg.DbFile,
		"files_path": cfg.FilesPath,
	})
	if err := cfg.RequireJWTSecret(); err != nil {
		l.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer l.Println("got interruption signal")

	gormLevel := logger.Warn
	if cfg.LogLevel >= log.DebugLevel {
		gormLevel = logger.Info
	}
	db, err := database.NewDb(cfg.DbFile, gormLevel)
	if err != nil {
		l.WithError(err).Fatal("failed to open database")
	}
	blobs, err := storage.NewStorage(cfg.FilesPath, l)
	if err != nil {
		l.WithError(err).Fatal("failed to open file storage")
	}

	svc := attachment.NewService(database.NewRepository(db), blobs, attachment.Options{
		MaxUploadSize:   cfg.MaxUploadSize,
		AdminReadAccess: cfg.AdminReadAccess,
	}, l)
	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handler.NewHandler(svc, handler.Options{
			JWTSecret:      cfg.JWTSecret,
			RequestTimeout: cfg.RequestTimeout,
		}, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Printf("listening to port %s\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Fatal("listen and serve returned err")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.WithError(err).Error("handler shutdown returned an err")
		}
	}()

	<-ctx.Done()
}

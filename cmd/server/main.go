package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	neobasewebui "github.com/neobase-ai/neobase-web-ui"
	"github.com/neobase-ai/neobase-web-ui/internal/handlers"
	"github.com/neobase-ai/neobase-web-ui/internal/services"
	"github.com/neobase-ai/neobase-web-ui/internal/session"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "neobase-web-ui")

	cfgPath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path of the config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.StorePath == "" {
		if err := os.MkdirAll(appDir, 0755); err != nil {
			log.Fatal(fmt.Errorf("error creating config directory: %w", err))
		}
		cfg.StorePath = filepath.Join(appDir, "store.db")
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config) error {
	level, err := cfg.level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boltDB, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	api := services.NewNeoBase(cfg.APIURL, cfg.Token, nil)
	stream := services.NewStream(api, time.Duration(cfg.Stream.Grace), time.Duration(cfg.Stream.Retry), logger)
	if streamID, err := boltDB.StreamID(ctx); err != nil {
		logger.Warn("Failed to read persisted stream id", slog.String("err", err.Error()))
	} else {
		stream.SetStreamID(streamID)
	}

	sess := session.New(api, stream, boltDB, cfg.session(), logger)
	if _, err := sess.Chats(ctx); err != nil {
		logger.Warn("Failed to list chats", slog.String("err", err.Error()))
	}
	if err := sess.Restore(ctx); err != nil {
		logger.Warn("Failed to restore last chat", slog.String("err", err.Error()))
	}

	m, err := handlers.NewMain(sess, logger)
	if err != nil {
		sess.Close()
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(neobasewebui.StaticFS, "static")
	if err != nil {
		sess.Close()
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("GET /", m.HandleHome)
	mux.HandleFunc("GET /sse", m.HandleSSE)

	mux.HandleFunc("POST /chats", m.HandleCreateChat)
	mux.HandleFunc("POST /chats/close", m.HandleCloseChat)
	mux.HandleFunc("POST /chats/{id}/select", m.HandleSelectChat)
	mux.HandleFunc("POST /chats/{id}/edit", m.HandleUpdateChat)
	mux.HandleFunc("POST /chats/{id}/delete", m.HandleDeleteChat)
	mux.HandleFunc("POST /chats/{id}/reconnect", m.HandleReconnect)
	mux.HandleFunc("POST /schema/refresh", m.HandleRefreshSchema)

	mux.HandleFunc("POST /messages", m.HandleSendMessage)
	mux.HandleFunc("POST /messages/more", m.HandleLoadMore)
	mux.HandleFunc("POST /messages/clear", m.HandleClearChat)
	mux.HandleFunc("POST /messages/{id}/edit", m.HandleEditMessage)
	mux.HandleFunc("POST /stream/cancel", m.HandleCancelStream)

	mux.HandleFunc("POST /queries/{messageID}/{queryID}/page", m.HandlePage)
	mux.HandleFunc("POST /queries/{messageID}/{queryID}/{action}", m.HandleQueryAction)
	mux.HandleFunc("GET /queries/{messageID}/{queryID}/export", m.HandleExport)
	mux.HandleFunc("POST /viewport", m.HandleViewport)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		sess.Close()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("api", cfg.APIURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		// Create context with timeout for shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viant/embedkv/kv/api"
)

func serveCmd(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	sf := newStoreFlags(flags)
	addr := flags.String("addr", "", "listen address (default from config or 127.0.0.1:6070)")
	password := flags.String("password", "", "required apiPassword header value (or EMBEDKV_API_PASSWORD)")
	flags.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, cfg := sf.open(ctx, "serve", flags)
	defer closeStore("serve", store)

	listen := resolveAddr(*addr, cfg.API.Addr)
	secret := *password
	if secret == "" {
		secret = os.Getenv("EMBEDKV_API_PASSWORD")
	}
	if secret == "" {
		secret = cfg.API.Password
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           api.New(store, api.WithPassword(secret), api.WithTop(cfg.API.Top)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("embedkv listening on %s (store %s)", httpServer.Addr, cfg.LogPath())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("shutdown signal received: %v", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			closeStore("serve", store)
			log.Fatal(err)
		}
		return
	}
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("serve: %v", err)
	}
	log.Printf("embedkv stopped")
}

func resolveAddr(flagAddr, configAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if configAddr != "" {
		return configAddr
	}
	return "127.0.0.1:6070"
}

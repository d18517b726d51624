package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pgrelay/config"
	"pgrelay/proxy"
	"pgrelay/server"
	"pgrelay/version"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}
	log.Print(version.String())

	var handler server.ConnHandler
	switch cfg.Mode {
	case config.ModeProxy:
		handler = proxy.New(cfg.Upstream, proxy.Hooks{}).HandleConn
	default:
		handler = server.NewEmulator(cfg).HandleConn
	}

	srv := server.New(cfg, handler)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/tiervm/server"
	"github.com/chazu/tiervm/vm"
)

// serveCommand handles `tiervm serve`.
func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	ef := addEngineFlags(fs)
	addr := fs.String("addr", "", "Listen address (overrides [server].addr)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tiervm serve [options] [files...]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	file, cfg, err := ef.load(fs)
	if err != nil {
		return err
	}
	if *addr != "" {
		file.Server.Addr = *addr
	}

	e, err := vm.NewEngine(cfg, vm.WithEventSink(vm.NewLogSink("tiervm.events")))
	if err != nil {
		return err
	}
	defer e.Close()
	for _, path := range fs.Args() {
		if err := loadFile(e, path); err != nil {
			return err
		}
	}

	var opts []server.Option
	cache, err := openCache(file)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		opts = append(opts, server.WithProfileCache(cache))
		if file.Profiles.Load {
			applied, skipped, err := cache.Warm(context.Background(), e)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Warmed %d functions from %s (%d stale)\n", applied, cache.Path(), skipped)
		}
	}

	srv := server.New(e, opts...)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(file.Server.Addr) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		srv.Stop()
		return err
	case <-sigc:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
	}
	if cache != nil && file.Profiles.Save {
		return saveProfiles(cache, e)
	}
	return nil
}

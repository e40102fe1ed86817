package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thumbq/internal/app"
)

func main() {
	var (
		cfgPath      string
		manifestPath string
		watch        bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&manifestPath, "manifest", "./images.yaml", "path to image manifest (yaml or json)")
	flag.BoolVar(&watch, "watch", false, "keep running and resubmit the manifest on rescan triggers")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	code := 0
	reason := app.StopRunDone
	if watch {
		if err := a.Serve(ctx, manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			code = 1
		}
		reason = app.StopSignal
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	} else {
		sum, err := a.Run(ctx, manifestPath)
		if sum.Outputs > 0 {
			fmt.Println(sum)
		}
		switch {
		case err == nil:
		case errors.Is(err, app.ErrOutputsFailed):
			for _, e := range sum.Errors {
				fmt.Fprintln(os.Stderr, " -", e)
			}
			code = 2
		default:
			fmt.Fprintln(os.Stderr, "fatal:", err)
			code = 1
		}
		if ctx.Err() != nil {
			reason = app.StopSignal
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()
	os.Exit(code)
}

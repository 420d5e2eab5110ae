// Command tunl is the tunnel client: it registers a subdomain with a
// tunl server and forwards public requests to a local port.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rishikesh-suvarna/tunl.cc/internal/client"
	"github.com/rishikesh-suvarna/tunl.cc/internal/config"
	"github.com/rishikesh-suvarna/tunl.cc/internal/log"
)

const usage = `usage: tunl <port> [subdomain] [--api-key <key>|-k <key>] [--help|-h] [--version|-v]`

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	for _, a := range args {
		switch a {
		case "--help", "-h":
			fmt.Println(usage)
			return 0
		case "--version", "-v":
			fmt.Println("tunl " + version)
			return 0
		}
	}

	config.LoadEnv(".env")

	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	logger := log.New("info")
	fwd := client.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fwd.Run(ctx); err != nil {
		var fatal *client.ErrFatal
		if errors.As(err, &fatal) {
			fmt.Fprintln(os.Stderr, "fatal:", fatal.Error())
			return 1
		}
		if ctx.Err() != nil {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

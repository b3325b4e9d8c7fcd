// Command scenarioctl drives the scenario engine from a terminal.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Set via ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("scenarioctl"),
		kong.Description("Author and drive scenario suites."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cli.Globals.ctx = ctx

	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/wadash/wadash/internal/daemon"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (default ~/.wadash)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:    *dataDirFlag,
			ListenAddr: *listenFlag,
		}),
	)

	app.Run()
}

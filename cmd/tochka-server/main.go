// Command tochka-server boots the matching core: it opens the
// configured store, rebuilds the in-memory order books, and serves the
// HTTP surface of spec §6 until an interrupt or terminate signal
// arrives, following the teacher's cmd/server/server.go shutdown shape
// (signal.NotifyContext, defer stop(), block on ctx.Done()).
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tochka/cmd/tochka-server/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("tochka-server: fatal error")
		os.Exit(1)
	}
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

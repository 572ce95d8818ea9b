// daemonstub is a stand-in daemon for local runs. Point the preferences at
// it as the interpreter; it ignores the script and serves the loopback API.
//
//	[daemon]
//	interpreter = "/path/to/daemonstub"
//	script = "unused"
package main

import (
	"os"
	"time"

	"github.com/carlosprados/assetlink/internal/stub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	os.Exit(stub.Run(os.Args[1:]))
}

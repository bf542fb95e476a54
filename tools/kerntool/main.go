// Command kerntool bundles the host-side tooling used to build and test the
// kernel: the interrupt gate stub generator, the runtime redirect table
// patcher and a QEMU harness for the in-kernel self-tests.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	const buildGroup = "build"
	subcommands.Register(new(genGatesCmd), buildGroup)
	subcommands.Register(new(redirectsCmd), buildGroup)

	const testGroup = "test"
	subcommands.Register(new(runCmd), testGroup)

	debug := flag.Bool("debug", false, "enable debug logging.")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

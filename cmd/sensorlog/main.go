package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/sensorlog/cmd/sensorlog/frame"
	"github.com/temoto/sensorlog/cmd/sensorlog/run"
	"github.com/temoto/sensorlog/cmd/sensorlog/subcmd"
	"github.com/temoto/sensorlog/internal/state"
	"github.com/temoto/sensorlog/log2"
)

var log = log2.NewStderr(log2.LDebug)
var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	frame.Mod,
}

func main() {
	flagset := flag.NewFlagSet("sensorlog", flag.ContinueOnError)
	flagConfig := flagset.String("config", "sensorlog.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: sensorlog [option] command\n\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(flagset.Output(), "\nOptions:\n")
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		log.Fatal(err)
	}

	switch {
	case subcmd.SdNotify("start"):
		// under systemd, assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	case isatty.IsTerminal(os.Stderr.Fd()):
		log.SetFlags(log2.LInteractiveFlags)
	default:
		log.SetFlags(log2.LStdFlags)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if w := config.Log.Writer(); w != nil {
		log = log2.NewWriter(io.MultiWriter(os.Stderr, w), config.Log.Level())
		defer w.Close()
	} else {
		log.SetLevel(config.Log.Level())
	}
	log.Debugf("sensorlog version=%s starting %s", BuildVersion, mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/forever-august/renews/lib/config"
	"github.com/forever-august/renews/lib/daemon"
)

type options struct {
	Config               string `long:"config" description:"path to the TOML configuration file"`
	Init                 bool   `long:"init" description:"create databases, run migrations and exit"`
	AllowPostingInsecure bool   `long:"allow-posting-insecure-connections" description:"permit POST on plain TCP (development only)"`

	Args struct {
		Rest []string `positional-arg-name:"admin-command"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	confPath := opts.Config
	if confPath == "" {
		confPath = os.Getenv("RENEWS_CONFIG")
	}
	if confPath == "" {
		confPath = "renews.toml"
	}
	conf, err := config.Load(confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config %s: %v\n", confPath, err)
		os.Exit(1)
	}
	if opts.AllowPostingInsecure {
		conf.AllowPostingInsecure = true
	}
	setupLogging(conf.LogLevel)
	// runtime_threads caps OS thread parallelism; 0 uses all cores
	if conf.RuntimeThreads > 0 {
		runtime.GOMAXPROCS(conf.RuntimeThreads)
	}

	if len(opts.Args.Rest) > 0 && opts.Args.Rest[0] == "admin" {
		if err := runAdmin(conf, opts.Args.Rest[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	d, err := daemon.New(confPath, conf)
	if err != nil {
		log.Fatal(err)
	}
	if opts.Init {
		log.Info("databases initialized")
		return
	}
	log.WithFields(log.Fields{
		"pkg":  "main",
		"site": conf.SiteName,
	}).Info("renews starting up")
	if err := d.Run(); err != nil {
		log.Fatal(err)
	}
}

// the logging subsystem accepts RUST_LOG style level words
func setupLogging(level string) {
	if level == "" {
		level = os.Getenv("RUST_LOG")
	}
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "lightfield-http.yml"

	// EnvPrefix prefixes environment overrides; nested keys are joined with
	// a double underscore, e.g. LFHTTP_MQTT__BROKER
	EnvPrefix = "LFHTTP_"

	k = koanf.New(".")
)

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "lightfield-http:", err)
	os.Exit(1)
}

// envKey maps an environment variable to a configuration key, or "" to skip it
func envKey(keys map[string]string) func(string) string {
	return func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(strings.ReplaceAll(s, "__", "."))
		return keys[s]
	}
}

func setupconfig() error {
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	keys := map[string]string{}
	for _, key := range k.Keys() {
		keys[strings.ToLower(key)] = key
	}
	return k.Load(env.Provider(EnvPrefix, ".", envKey(keys)), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

func root() {
	str := `lightfield-http exposes a Princeton Instruments camera driven by LightField
over HTTP, with push updates over MQTT and an MJPEG live view.

Usage:
	lightfield-http <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `lightfield-http is amenable to configuration via its .yml file, lightfield-http.yml
in the working directory.  For a primer on YAML, see https://yaml.org/start.html

Every key may be overridden from the environment with the LFHTTP_ prefix, nested
keys joined by a double underscore, e.g.
	LFHTTP_ADDR=:9000
	LFHTTP_MQTT__BROKER=tcp://broker:1883

mkconf writes the current configuration to lightfield-http.yml, conf prints it.

LIGHTFIELD_ROOT is the default for LightFieldRoot.  Without a linked LightField
automation engine only Mock: true is supported, which runs a simulated camera
saving data files to Simulation.Folder.

The camera is served under Root, e.g. /lightfield/acquire; GET /endpoints lists
every route and GET /metrics serves prometheus metrics.`
	fmt.Println(str)
}

func mkconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("lightfield-http version %v\n", Version)
}

func run() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := NewLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := Build(c, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	s.Start(ctx)

	srv := &http.Server{Addr: c.Addr, Handler: s.Handler}
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()
	logger.Info("now listening for requests", zap.String("addr", c.Addr), zap.String("root", c.Root), zap.Bool("mock", c.Mock))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(); err != nil {
		fatal(err)
	}
	var err error
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		err = mkconf()
	case "conf":
		err = printconf()
	case "run":
		err = run()
	case "version":
		pversion()
	default:
		err = fmt.Errorf("unknown command %q", args[1])
	}
	if err != nil {
		fatal(err)
	}
}

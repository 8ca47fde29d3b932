package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spvnode.conf"
	defaultLogLevel       = "info"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spvnode.log"
	defaultHeadersDbName  = "headers.db"
)

var (
	defaultHomeDir    = appDataDir("spvnode")
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config holds every setting the node accepts, populated by loadConfig in
// the usual three-stage order: defaults, then config file, then command
// line (which always wins).
type config struct {
	ConfigFile  string   `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string   `short:"b" long:"datadir" description:"Directory to store headers database"`
	LogDir      string   `long:"logdir" description:"Directory to log output"`
	DebugLevel  string   `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	TestNet     bool     `long:"testnet" description:"Use the test network"`
	SimNet      bool     `long:"simnet" description:"Use the simulation test network"`
	ConnectPeer []string `short:"c" long:"connect" description:"Connect only to the specified peers at startup"`
	FastCatchup string   `long:"fastcatchup" description:"RFC3339 timestamp before which merkle blocks are not downloaded"`

	activeNet *chaincfg.Params
}

func appDataDir(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", "."+appName)
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", appName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, "."+strings.ToLower(appName))
	}
}

// loadConfig follows the source's own configuration precedence: parse the
// command line once to discover an alternate config file, load that file,
// then parse the command line again so flags always override it.
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
	}

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s)\n", appName, nodeVersion, runtime.Version())
		os.Exit(0)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, nil, err
		}
	}

	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	switch {
	case cfg.TestNet:
		cfg.activeNet = &chaincfg.TestNet3Params
	case cfg.SimNet:
		cfg.activeNet = &chaincfg.SimNetParams
	default:
		cfg.activeNet = &chaincfg.MainNetParams
	}
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.activeNet.Name)

	return &cfg, remainingArgs, nil
}

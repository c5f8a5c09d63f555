// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/electrumproxy/electrum"
	"github.com/btcsuite/electrumproxy/internal/cfgutil"
	"github.com/btcsuite/electrumproxy/netparams"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "electrumproxy.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "electrumproxy.log"
	defaultCacheFilename  = "cache.db"
	defaultTorProxy       = "127.0.0.1:9050"
	defaultTorProxyPort   = "9050"
	defaultBridgeListen   = "127.0.0.1:0"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("electrumproxy", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
)

type config struct {
	// General application behavior
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for the cache and logs"`
	TestNet3    bool                    `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	TestNet4    bool                    `long:"testnet4" description:"Use the test Bitcoin network (version 4) (default mainnet)"`
	SigNet      bool                    `long:"signet" description:"Use the signet test network (default mainnet)"`
	RegTest     bool                    `long:"regtest" description:"Use the regression test network (default mainnet)"`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string                  `long:"logdir" description:"Directory to log output."`
	Profile     string                  `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	// Electrum server options
	Server         string                   `short:"s" long:"server" description:"Electrum server to proxy, host[:port] (default port 50002, or 50001 with --notls; testnets 51002/51001)"`
	NoTLS          bool                     `long:"notls" description:"Connect to the Electrum server without TLS"`
	ApproveCert    *cfgutil.FingerprintFlag `long:"approvecert" description:"Trust the server certificate with this SHA-256 fingerprint without prompting"`
	ConnectTimeout time.Duration            `long:"connecttimeout" description:"Timeout of each connection attempt"`
	ReadTimeout    time.Duration            `long:"readtimeout" description:"Timeout of each wait for a server reply"`
	HealthInterval time.Duration            `long:"healthinterval" description:"Interval between server health checks"`

	// Tor options
	Tor             bool          `long:"tor" description:"Connect to the Electrum server through Tor"`
	TorProxy        string        `long:"torproxy" description:"SOCKS5 address of the Tor daemon"`
	TorIsolation    bool          `long:"torisolation" description:"Use a fresh Tor circuit for every connection"`
	TorRetries      int           `long:"torretries" description:"Attempts per connection when using Tor"`
	TorRetryBackoff time.Duration `long:"torretrybackoff" description:"Backoff unit between Tor attempts; the nth retry waits n times this"`

	// Proxy options
	BridgeListen  string   `long:"bridgelisten" description:"Loopback address the wallet engine connects to (port 0 picks a free port)"`
	CacheFile     string   `long:"cachefile" description:"Transaction cache and certificate pin database"`
	WatchAddrs    []string `long:"watchaddr" description:"Subscribe to an address and log its transactions (may be repeated)"`
	MetricsListen string   `long:"metricslisten" description:"Serve Prometheus metrics on this address"`
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns a config with every default filled in.
func defaultConfig() config {
	return config{
		ConfigFile:      cfgutil.NewExplicitString(defaultConfigFile),
		AppDataDir:      cfgutil.NewExplicitString(defaultAppDataDir),
		DebugLevel:      defaultLogLevel,
		ApproveCert:     &cfgutil.FingerprintFlag{},
		ConnectTimeout:  electrum.DefaultConnectTimeout,
		ReadTimeout:     electrum.DefaultReadTimeout,
		HealthInterval:  electrum.DefaultHealthInterval,
		TorProxy:        defaultTorProxy,
		TorRetries:      electrum.DefaultTorRetryAttempts,
		TorRetryBackoff: electrum.DefaultTorRetryBackoff,
		BridgeListen:    defaultBridgeListen,
	}
}

// selectNetwork picks the network params.  Multiple networks can't be
// selected simultaneously.
func (cfg *config) selectNetwork() (*netparams.Params, error) {
	params := &netparams.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		params = &netparams.TestNet3Params
		numNets++
	}
	if cfg.TestNet4 {
		params = &netparams.TestNet4Params
		numNets++
	}
	if cfg.SigNet {
		params = &netparams.SigNetParams
		numNets++
	}
	if cfg.RegTest {
		params = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, testnet4, signet and " +
			"regtest params can't be used together -- choose one")
	}
	return params, nil
}

// serverConfig validates the Electrum server options and builds the
// connection config.
func (cfg *config) serverConfig(params *netparams.Params) (
	*electrum.ConnConfig, error) {

	if cfg.Server == "" {
		return nil, errors.New("an Electrum server must be set with " +
			"--server")
	}
	host, port, err := cfgutil.SplitServerAddress(
		cfg.Server, params.DefaultPort(!cfg.NoTLS),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid --server: %w", err)
	}

	if electrum.IsOnionHost(host) && !cfg.Tor {
		return nil, fmt.Errorf("%s is an onion service -- use --tor",
			host)
	}
	if cfg.TorRetries < 1 {
		return nil, errors.New("--torretries must be at least 1")
	}

	connCfg := &electrum.ConnConfig{
		Host:           host,
		Port:           port,
		UseTLS:         !cfg.NoTLS,
		UseTor:         cfg.Tor,
		TorIsolation:   cfg.TorIsolation,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		TorRetry: electrum.RetryPolicy{
			Attempts: cfg.TorRetries,
			Backoff:  cfg.TorRetryBackoff,
		},
	}
	if cfg.Tor {
		connCfg.TorProxy, err = cfgutil.NormalizeAddress(
			cfg.TorProxy, defaultTorProxyPort,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid --torproxy: %w", err)
		}
	}
	return connCfg, nil
}

// normalize resolves paths and checks the options that do not depend on the
// network.
func (cfg *config) normalize(params *netparams.Params) error {
	cfg.AppDataDir.Value = cfgutil.CleanAndExpandPath(cfg.AppDataDir.Value)

	// Paths with defaults relative to the app data dir follow it.
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir.Value,
			defaultLogDirname)
	}
	cfg.LogDir = filepath.Join(cfgutil.CleanAndExpandPath(cfg.LogDir),
		params.Name)

	if cfg.CacheFile == "" {
		cfg.CacheFile = filepath.Join(
			networkDir(cfg.AppDataDir.Value, params),
			defaultCacheFilename,
		)
	}
	cfg.CacheFile = cfgutil.CleanAndExpandPath(cfg.CacheFile)

	host, _, err := net.SplitHostPort(cfg.BridgeListen)
	if err != nil {
		return fmt.Errorf("invalid --bridgelisten: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" &&
		(ip == nil || !ip.IsLoopback()) {

		return fmt.Errorf("--bridgelisten %s is not a loopback "+
			"address", cfg.BridgeListen)
	}

	if cfg.HealthInterval <= 0 {
		return errors.New("--healthinterval must be positive")
	}

	for _, addr := range cfg.WatchAddrs {
		if _, err := electrum.ScriptHashFromAddress(
			addr, params.Params,
		); err != nil {
			return fmt.Errorf("invalid --watchaddr: %w", err)
		}
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the proxy functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, *electrum.ConnConfig, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// The config file lives in the app data dir unless either was set.
	configFilePath := preCfg.ConfigFile.Value
	if preCfg.AppDataDir.ExplicitlySet() &&
		!preCfg.ConfigFile.ExplicitlySet() {

		configFilePath = filepath.Join(preCfg.AppDataDir.Value,
			defaultConfigFilename)
	}
	configFilePath = cfgutil.CleanAndExpandPath(configFilePath)

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}
	if len(remainingArgs) > 0 {
		err := fmt.Errorf("unexpected arguments %v", remainingArgs)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	params, err := cfg.selectNetwork()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	activeNet = params

	if err := cfg.normalize(params); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if err := initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	connCfg, err := cfg.serverConfig(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	return &cfg, connCfg, nil
}

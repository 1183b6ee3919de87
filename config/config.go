// Package config loads cmd/pisad's configuration, following pktd's own
// config.go: sane defaults, an INI config file, and command-line flags via
// jessevdk/go-flags, with CLI flags taking precedence over the file, and
// the file taking precedence over built-in defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

// Err namespaces config failures.
var Err = errs.NewErrorType("config")

var (
	ErrInvalidLogLevel      = Err.CodeWithDetail("ErrInvalidLogLevel", "debuglevel is not a recognized level")
	ErrInvalidCacheDepth    = Err.CodeWithDetail("ErrInvalidCacheDepth", "maxcachedepth must be positive")
	ErrInvalidConfirmations = Err.CodeWithDetail("ErrInvalidConfirmations", "confirmationsbeforeresponse must be positive")
	ErrMissingTowerKey      = Err.CodeWithDetail("ErrMissingTowerKey", "towerkeyfile must be set")
	ErrMissingTowerContract = Err.CodeWithDetail("ErrMissingTowerContract", "towercontract must be set")
	ErrConfigFileExists     = Err.CodeWithDetail("ErrConfigFileExists", "refusing to overwrite an existing config file")
)

const (
	defaultConfigFilename  = "pisad.conf"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultListenAddr      = "127.0.0.1:9911"
	defaultRPCURL          = "http://127.0.0.1:8545"
	defaultPollInterval    = 4 * time.Second
	defaultMaxCacheDepth   = 128
	defaultConfirmBefore   = 6
	defaultConfirmRemove   = 12
	defaultConfirmRetire   = 12
	defaultStaleBlocks     = 20
	defaultMaxBroadcasts   = 5
	defaultStartBlockWin   = 20
	defaultAuthBlockMaxAge = 50
	defaultBatchTimeout    = 5 * time.Second
)

var defaultHomeDir = defaultAppDataDir("pisad")

// defaultAppDataDir resolves a per-OS application data directory the way
// btcutil.AppDataDir does, without pulling in the whole btcutil package for
// one helper.
func defaultAppDataDir(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "." + appName
	}
	switch {
	case os.Getenv("APPDATA") != "":
		return filepath.Join(os.Getenv("APPDATA"), appName)
	default:
		return filepath.Join(home, "."+appName)
	}
}

// Config defines cmd/pisad's configuration options.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the block-item store and its bbolt file"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error}"`

	RPCURL       string        `long:"rpcurl" description:"JSON-RPC URL of the chain provider (ws:// for native subscriptions, http(s):// falls back to polling)"`
	PollInterval time.Duration `long:"pollinterval" description:"Fallback poll interval when rpcurl doesn't support subscriptions"`
	MaxCacheDepth uint64       `long:"maxcachedepth" description:"Maximum reorg depth the block cache retains"`

	ListenAddr string `long:"listen" description:"Interface/port for the ingress HTTP surface"`
	AuthUser   string `long:"authuser" description:"HTTP basic-auth username for the GET ingress routes"`
	AuthPass   string `default-mask:"-" long:"authpass" description:"HTTP basic-auth password for the GET ingress routes"`

	TowerKeyFile      string `long:"towerkeyfile" description:"File containing the tower's hex-encoded ECDSA private key"`
	TowerContract     string `long:"towercontract" description:"Hex address of the tower's on-chain contract, bound into every appointment digest"`
	StartBlockWindow  uint64 `long:"startblockwindow" description:"Accepted startBlock distance from the current head for new appointments"`
	AuthBlockMaxAge   uint64 `long:"authblockmaxage" description:"Maximum staleness, in blocks, accepted for the GET routes' x-auth-block header"`

	ConfirmationsBeforeResponse uint64 `long:"confirmationsbeforeresponse" description:"Confirmations required before the watcher starts a response"`
	ConfirmationsBeforeRemoval  uint64 `long:"confirmationsbeforeremoval" description:"Confirmations past endBlock before an unobserved appointment is removed"`
	ConfirmationsBeforeRetire   uint64 `long:"confirmationsbeforeretire" description:"Confirmations required before the responder retires a mined transaction"`
	StaleBlocks                 uint64 `long:"staleblocks" description:"Blocks a pending transaction may go unmined before it is reissued at a higher price"`
	MaxBroadcastRetries         int    `long:"maxbroadcastretries" description:"Maximum immediate broadcast retries before a nonce is freed back for reuse"`

	BatchTimeout time.Duration `long:"batchtimeout" description:"Timeout waiting for the block-item store's batch ticket"`
}

func defaultConfig() Config {
	return Config{
		ConfigFile:                  filepath.Join(defaultHomeDir, defaultConfigFilename),
		DataDir:                     filepath.Join(defaultHomeDir, defaultDataDirname),
		LogDir:                      defaultHomeDir,
		DebugLevel:                  defaultLogLevel,
		RPCURL:                      defaultRPCURL,
		PollInterval:                defaultPollInterval,
		MaxCacheDepth:               defaultMaxCacheDepth,
		ListenAddr:                  defaultListenAddr,
		StartBlockWindow:            defaultStartBlockWin,
		AuthBlockMaxAge:             defaultAuthBlockMaxAge,
		ConfirmationsBeforeResponse: defaultConfirmBefore,
		ConfirmationsBeforeRemoval:  defaultConfirmRemove,
		ConfirmationsBeforeRetire:   defaultConfirmRetire,
		StaleBlocks:                 defaultStaleBlocks,
		MaxBroadcastRetries:         defaultMaxBroadcasts,
		BatchTimeout:                defaultBatchTimeout,
	}
}

// cleanAndExpandPath expands a leading ~ and environment variables in path,
// mirroring the teacher's own helper of the same name.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

func validLogLevel(lvl string) bool {
	_, ok := log.LevelFromString(lvl)
	return ok
}

// fileExists mirrors the teacher's helper of the same name.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Load initializes and parses Config the way pktd's loadConfig does:
// defaults, then config file, then CLI flags, each overriding the last.
func Load(args []string) (*Config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassAfterNonOption)
	if _, err := preParser.ParseArgs(args); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return nil, errs.E(err)
		}
	}
	if preCfg.ShowVersion {
		fmt.Println("pisad version", Version())
		os.Exit(0)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if fileExists(preCfg.ConfigFile) {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
			return nil, errs.Errorf("parsing config file: %v", err)
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return nil, errs.E(err)
		}
		return nil, errs.Errorf("parsing command-line flags: %v", err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.TowerKeyFile = cleanAndExpandPath(cfg.TowerKeyFile)

	if !validLogLevel(cfg.DebugLevel) {
		return nil, ErrInvalidLogLevel.Default()
	}
	if cfg.MaxCacheDepth == 0 {
		return nil, ErrInvalidCacheDepth.Default()
	}
	if cfg.ConfirmationsBeforeResponse == 0 {
		return nil, ErrInvalidConfirmations.Default()
	}
	if cfg.TowerKeyFile == "" {
		return nil, ErrMissingTowerKey.Default()
	}
	if cfg.TowerContract == "" {
		return nil, ErrMissingTowerContract.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errs.Errorf("creating data directory: %v", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, errs.Errorf("creating log directory: %v", err)
	}

	return &cfg, nil
}

// CreateDefaultConfigFile materializes a sample config file at path,
// generating a fresh HTTP basic-auth user/password pair for the ingress
// surface's GET routes, mirroring the teacher's RPC-cookie generation in
// loadConfig.
func CreateDefaultConfigFile(path string) error {
	if fileExists(path) {
		return ErrConfigFileExists.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errs.Errorf("creating config directory: %v", err)
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return errs.Errorf("generating basic-auth password: %v", err)
	}
	user := "pisad"
	pass := hex.EncodeToString(buf[:])

	cfg := defaultConfig()
	contents := fmt.Sprintf(`; pisad sample configuration, generated by CreateDefaultConfigFile.
[Application Options]
datadir=%s
logdir=%s
debuglevel=%s
rpcurl=%s
listen=%s
authuser=%s
authpass=%s
maxcachedepth=%d
confirmationsbeforeresponse=%d
confirmationsbeforeremoval=%d
confirmationsbeforeretire=%d
staleblocks=%d
startblockwindow=%d
authblockmaxage=%d
`,
		cfg.DataDir, cfg.LogDir, cfg.DebugLevel, cfg.RPCURL, cfg.ListenAddr,
		user, pass, cfg.MaxCacheDepth, cfg.ConfirmationsBeforeResponse,
		cfg.ConfirmationsBeforeRemoval, cfg.ConfirmationsBeforeRetire,
		cfg.StaleBlocks, cfg.StartBlockWindow, cfg.AuthBlockMaxAge)

	return os.WriteFile(path, []byte(contents), 0600)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"settlement-bridge/pkg/bridge"
	"settlement-bridge/pkg/events"
	"settlement-bridge/pkg/orchestrator"
	"settlement-bridge/pkg/retrier"
	"settlement-bridge/pkg/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

const (
	defaultHTTPPort = 8080
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to bridge config file",
		Required: false, // Can also set config via env var
		EnvVars:  []string{"SETTLEMENT_BRIDGE_CONFIG"},
	}

	optionRecordID = &cli.StringFlag{
		Name:     "id",
		Usage:    "settlement record id to mark as failed",
		Required: true,
	}
)

func main() {
	app := &cli.App{
		Name:  "settlement-bridge",
		Usage: "Entry point for the escrow settlement bridge",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the settlement bridge",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
			{
				Name:  "override",
				Usage: "Administratively mark a settlement record as failed",
				Flags: []cli.Flag{
					optionConfig,
					optionRecordID,
				},
				Action: func(c *cli.Context) error {
					return override(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
	}
}

type config struct {
	LogLevel           string  `yaml:"log_level" json:"log_level"`
	LedgerRPCUrl       string  `yaml:"ledger_rpc_url" json:"ledger_rpc_url"`
	EscrowContractAddr string  `yaml:"escrow_contract_addr" json:"escrow_contract_addr"`
	MintAPIUrl         string  `yaml:"mint_api_url" json:"mint_api_url"`
	MintAPIKey         string  `yaml:"mint_api_key" json:"mint_api_key"`
	BankWebhookUrl     string  `yaml:"bank_webhook_url" json:"bank_webhook_url"`
	PostgresDSN        string  `yaml:"postgres_dsn" json:"postgres_dsn"`
	HTTPPort           int     `yaml:"http_port" json:"http_port"`
	RetryMaxAttempts   int     `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryBaseDelayMs   int     `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	RetryMultiplier    float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	RetryJitter        float64 `yaml:"retry_jitter" json:"retry_jitter"`
	CallTimeoutSec     int     `yaml:"call_timeout_sec" json:"call_timeout_sec"`
	PollIntervalSec    int     `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	Workers            int     `yaml:"workers" json:"workers"`
	FromBlock          uint64  `yaml:"from_block" json:"from_block"`
}

func loadConfigFromEnv() config {
	return config{
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LedgerRPCUrl:       os.Getenv("LEDGER_RPC_URL"),
		EscrowContractAddr: os.Getenv("ESCROW_CONTRACT_ADDR"),
		MintAPIUrl:         os.Getenv("MINT_API_URL"),
		MintAPIKey:         os.Getenv("MINT_API_KEY"),
		BankWebhookUrl:     os.Getenv("BANK_WEBHOOK_URL"),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		HTTPPort:           envInt("HTTP_PORT"),
		RetryMaxAttempts:   envInt("RETRY_MAX_ATTEMPTS"),
		RetryBaseDelayMs:   envInt("RETRY_BASE_DELAY_MS"),
		CallTimeoutSec:     envInt("CALL_TIMEOUT_SEC"),
		PollIntervalSec:    envInt("POLL_INTERVAL_SEC"),
		Workers:            envInt("WORKERS"),
	}
}

func envInt(key string) int {
	val := os.Getenv(key)
	if val == "" {
		return 0
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Msgf("ignoring non-integer value %q for %s", val, key)
		return 0
	}
	return parsed
}

func loadConfigFromFile(cfg *config, filePath string) error {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file at: %s, %w", filePath, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file at: %s, %w", filePath, err)
	}
	return nil
}

func checkConfig(cfg *config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LedgerRPCUrl == "" {
		return fmt.Errorf("ledger_rpc_url is required")
	}

	if cfg.EscrowContractAddr == "" {
		return fmt.Errorf("escrow_contract_addr is required")
	}
	if !common.IsHexAddress(cfg.EscrowContractAddr) {
		return fmt.Errorf("escrow_contract_addr is not a valid address")
	}

	if cfg.MintAPIUrl == "" {
		return fmt.Errorf("mint_api_url is required")
	}

	if cfg.BankWebhookUrl == "" {
		return fmt.Errorf("bank_webhook_url is required")
	}

	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.RetryBaseDelayMs == 0 {
		cfg.RetryBaseDelayMs = 1000
	}
	if cfg.RetryMultiplier == 0 {
		cfg.RetryMultiplier = 2
	}
	if cfg.CallTimeoutSec == 0 {
		cfg.CallTimeoutSec = 10
	}
	if cfg.PollIntervalSec == 0 {
		cfg.PollIntervalSec = 5
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}

	return nil
}

func setupLogging(logLevel string) {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig(c *cli.Context) (config, error) {
	cfg := loadConfigFromEnv()

	configFilePath := c.String(optionConfig.Name)
	if configFilePath == "" {
		log.Info().Msg("env var config will be used")
	} else {
		log.Info().Str("config_file", configFilePath).Msg(
			"overriding env var config with file")
		if err := loadConfigFromFile(&cfg, configFilePath); err != nil {
			return config{}, err
		}
	}

	if err := checkConfig(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func toBridgeOptions(cfg config) *bridge.Options {
	return &bridge.Options{
		LedgerRPCURL:       cfg.LedgerRPCUrl,
		EscrowContractAddr: common.HexToAddress(cfg.EscrowContractAddr),
		MintAPIURL:         cfg.MintAPIUrl,
		MintAPIKey:         cfg.MintAPIKey,
		BankWebhookURL:     cfg.BankWebhookUrl,
		PostgresDSN:        cfg.PostgresDSN,
		HTTPPort:           cfg.HTTPPort,
		RetryPolicy: retrier.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		},
		CallTimeout:  time.Duration(cfg.CallTimeoutSec) * time.Second,
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		Workers:      cfg.Workers,
		FromPosition: events.NewLedgerPosition(cfg.FromBlock, 0),
	}
}

func start(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setupLogging(cfg.LogLevel)

	b, err := bridge.New(c.Context, toBridgeOptions(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start settlement bridge")
	}

	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	// Block until interrupt signal OR context's Done channel is closed.
	select {
	case <-interruptSigChan:
	case <-c.Done():
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")

	closedAllSuccessfully := make(chan struct{})
	go func() {
		defer close(closedAllSuccessfully)

		err := b.TryCloseAll()
		if err != nil {
			log.Error().Err(err).Msg("failed to close all routines and store connection")
		}
	}()
	select {
	case <-closedAllSuccessfully:
	case <-time.After(15 * time.Second):
		log.Error().Msg("failed to close all in time")
	}

	return nil
}

func override(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setupLogging(cfg.LogLevel)

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required for override")
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pgStore.Close()

	rec, err := orchestrator.Override(ctx, pgStore, c.String(optionRecordID.Name))
	if err != nil {
		return err
	}
	log.Info().Msgf("Settlement %s marked as failed, last state change at %s", rec.ID, rec.UpdatedAt)
	return nil
}

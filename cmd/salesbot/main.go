// Command salesbot runs the wholesale-sales chatbot platform: the Telegram
// channel adapter, the flow engine with its orchestrator, and the dashboard
// HTTP API, backed by Postgres.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/m3rciful/salesbot/core/ai"
	"github.com/m3rciful/salesbot/core/bootstrap"
	corecmd "github.com/m3rciful/salesbot/core/cmd"
	coreconfig "github.com/m3rciful/salesbot/core/config"
	coredatabase "github.com/m3rciful/salesbot/core/database"
	"github.com/m3rciful/salesbot/core/notify"
	"github.com/m3rciful/salesbot/core/orchestrator"
	"github.com/m3rciful/salesbot/core/rest"
	"github.com/m3rciful/salesbot/core/store"
	coretelegram "github.com/m3rciful/salesbot/core/telegram"
	tgsender "github.com/m3rciful/salesbot/core/telegram/sender"
)

type appConfig struct {
	coreconfig.Config `yaml:",inline"`
	Database          coredatabase.Config `yaml:"database"`
}

func (c *appConfig) CoreConfig() *coreconfig.Config { return &c.Config }

func loadConfig(path string) (corecmd.ConfigCarrier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg appConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := coreconfig.Normalize(&cfg.Config); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type app struct {
	cfg     *appConfig
	adapter *coretelegram.Adapter
	orch    *orchestrator.Orchestrator
	api     *rest.Server
}

func buildApp(carrier corecmd.ConfigCarrier) (corecmd.App, error) {
	cfg, ok := carrier.(*appConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", carrier)
	}

	res, err := bootstrap.Run(bootstrap.Options{
		Config:   &cfg.Config,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}

	pg := store.NewPostgres(res.DB)
	flows := store.NewCachedFlowStore(pg)

	if cfg.Flow.SeedDefault {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bootstrap.SeedDefaultFlow(ctx, pg, pg, cfg.Flow.DefaultFlowID); err != nil {
			return nil, err
		}
	}

	hub := notify.NewHub()
	dispatcher := tgsender.NewDispatcher(tgsender.Options{
		QueueSize:    cfg.Sender.QueueSize,
		Workers:      cfg.Sender.Workers,
		MaxRetries:   cfg.Sender.MaxRetries,
		RetryBackoff: time.Duration(cfg.Sender.RetryBackoffMS) * time.Millisecond,
		MaxDuration:  time.Duration(cfg.Sender.MaxDurationMS) * time.Millisecond,
	})
	adapter := coretelegram.NewAdapter(pg, dispatcher)

	orch := orchestrator.New(orchestrator.Options{
		Store:     pg,
		Flows:     flows,
		Hub:       hub,
		Deliverer: adapter,
		Oracle: ai.New(ai.Options{
			Endpoint: cfg.AI.Endpoint,
			APIKey:   cfg.AI.APIKey,
			Timeout:  cfg.AITimeout(),
		}),
		DefaultFlowID: cfg.Flow.DefaultFlowID,
	})

	api := rest.NewServer(cfg.API.Listen, rest.Deps{
		Orchestrator:  orch,
		Conversations: pg,
		Flows:         flows,
		FlowWriter:    pg,
		Hub:           hub,
	})

	return &app{cfg: cfg, adapter: adapter, orch: orch, api: api}, nil
}

func (a *app) TelegramRunOptions() (coretelegram.RunOptions, error) {
	return coretelegram.RunOptions{
		Config:       &a.cfg.Config,
		Adapter:      a.adapter,
		Orchestrator: a.orch,
	}, nil
}

func (a *app) RestServer() *rest.Server { return a.api }

func main() {
	if err := corecmd.Run(corecmd.Options{
		DefaultConfigPath: "configs/config.yaml",
		LoadConfig:        loadConfig,
		Bootstrap:         buildApp,
	}); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/threadrelay/threadrelay/pkg/agent"
	"github.com/threadrelay/threadrelay/pkg/backend"
	"github.com/threadrelay/threadrelay/pkg/bus"
	"github.com/threadrelay/threadrelay/pkg/config"
	"github.com/threadrelay/threadrelay/pkg/tools"
	"github.com/threadrelay/threadrelay/pkg/transport"
	"github.com/threadrelay/threadrelay/pkg/utils"
)

func main() {
	configPath := flag.String("c", "", "Path to config file")
	flag.Parse()

	// Optional; credentials may come from the environment.
	godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	utils.SetupLogger(cfg.LogDir)

	messageBus := bus.NewMessageBus()

	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		// Sessions will refuse to initialize; keep the process up so the
		// operator sees the errors in the log rather than a crash loop.
		log.Printf("warning: no OpenAI API key configured, sessions will fail to initialize")
	}
	client := backend.NewClient(apiKey, cfg.OpenAI.APIBase)

	registry := tools.NewRegistry()
	registry.Register(tools.NewWebSearchTool(cfg.Tools.Search.APIKey, cfg.Tools.Search.MaxResults))
	registry.Register(tools.NewWebFetchTool(50000))
	if cfg.Tools.Workspace.Enabled {
		root := cfg.Tools.Workspace.Root
		if err := os.MkdirAll(root, 0755); err != nil {
			log.Printf("warning: cannot create workspace root %s: %v", root, err)
		} else {
			registry.Register(tools.NewWorkspaceReadTool(root))
			registry.Register(tools.NewWorkspaceWriteTool(root))
			registry.Register(tools.NewWorkspaceListTool(root))
		}
	}

	provisioner := &agent.Provisioner{
		Backend:      client,
		Registry:     registry,
		Model:        cfg.Assistant.Model,
		Instructions: cfg.Assistant.Instructions,
	}

	manager := agent.NewManager(messageBus, client, provisioner, apiKey, cfg.Sessions.MaxIdle.Std(), cfg.Sessions.ReapInterval.Std())

	var transports []transport.Transport
	if cfg.Channels.Telegram.Enabled {
		transports = append(transports, transport.NewTelegramTransport(&cfg.Channels.Telegram, messageBus))
	}
	if cfg.Channels.DingTalk.Enabled {
		transports = append(transports, transport.NewDingTalkTransport(&cfg.Channels.DingTalk, messageBus))
	}
	if cfg.Channels.Feishu.Enabled {
		transports = append(transports, transport.NewFeishuTransport(&cfg.Channels.Feishu, messageBus))
	}

	if len(transports) == 0 {
		fmt.Println("No channels enabled. Edit the config file to enable telegram, dingtalk, or feishu.")
		os.Exit(1)
	}

	for _, tr := range transports {
		if err := tr.Start(); err != nil {
			log.Printf("Error starting %s transport: %v", tr.Name(), err)
			continue
		}
		manager.AddTransport(tr)
	}

	if err := manager.Start(); err != nil {
		fmt.Printf("Error starting session manager: %v\n", err)
		os.Exit(1)
	}

	// Per-event handler failures end up here; the sessions stay alive.
	go func() {
		for herr := range messageBus.Errors() {
			log.Printf("event error on %s: %v", herr.Event.SessionKey(), herr.Err)
		}
	}()

	log.Println("threadrelay running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	manager.Stop()
	for _, tr := range transports {
		if err := tr.Disconnect(); err != nil {
			log.Printf("Error disconnecting %s transport: %v", tr.Name(), err)
		}
	}
}

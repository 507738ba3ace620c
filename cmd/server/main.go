package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zenflow/copilot-stream/internal/conf"
	"github.com/zenflow/copilot-stream/internal/copilot/biz"
	"github.com/zenflow/copilot-stream/internal/copilot/data"
	"github.com/zenflow/copilot-stream/internal/copilot/service"
	"github.com/zenflow/copilot-stream/internal/copilot/stream"
	"github.com/zenflow/copilot-stream/internal/copilot/tools"
	"github.com/zenflow/copilot-stream/internal/copilot/types"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
	"github.com/zenflow/copilot-stream/internal/pkg/redis"
	"github.com/zenflow/copilot-stream/internal/pkg/sse"
	"github.com/zenflow/copilot-stream/internal/pkg/workerpool"
	"github.com/zenflow/copilot-stream/internal/server"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger with config
	logConfig := &logger.Config{
		Level:            config.Log.Level,
		Format:           config.Log.Format,
		Output:           config.Log.Output,
		EnableCaller:     config.Log.EnableCaller,
		EnableStacktrace: config.Log.EnableStacktrace,
		File: logger.FileConfig{
			Filename:   config.Log.File.Filename,
			MaxSize:    config.Log.File.MaxSize,
			MaxAge:     config.Log.File.MaxAge,
			MaxBackups: config.Log.File.MaxBackups,
			Compress:   config.Log.File.Compress,
		},
	}

	log, err := logger.New(logConfig)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	if err := logger.InitGlobal(logConfig); err != nil {
		log.Fatal("failed to initialize global logger", zap.Error(err))
	}

	log.Info("config loaded successfully")

	// Todo status store: redis when configured, in-process otherwise
	var todoStore stream.TodoMutator
	if config.Redis.Addr != "" {
		redisClient, err := redis.New(&redis.Config{
			Addr:     config.Redis.Addr,
			Username: config.Redis.Username,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize redis", zap.Error(err))
		}
		defer redisClient.Close()
		todoStore = data.NewRedisTodoStore(redisClient, config.Redis.TodoTTL, log)
	} else {
		todoStore = data.NewMemoryTodoStore()
		log.Warn("redis not configured, todo statuses are in-process only")
	}

	// Tool execution pool
	pool, err := workerpool.New(config.Workers.Size, log.Logger)
	if err != nil {
		log.Fatal("failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	// Outbound clients
	upstream := data.NewUpstreamClient(&data.UpstreamConfig{
		BaseURL: config.Upstream.BaseURL,
		APIKey:  config.Upstream.APIKey,
	}, log)
	chatClient := data.NewChatClient(&data.ChatServiceConfig{
		BaseURL: config.ChatService.BaseURL,
		APIKey:  config.ChatService.APIKey,
	}, log)

	// Session layer
	sessionCfg := biz.DefaultSessionConfig()
	if config.Upstream.StreamTimeout > 0 {
		sessionCfg.StreamTimeout = config.Upstream.StreamTimeout
	}
	if config.Batcher.MinInterval > 0 {
		sessionCfg.Batcher = stream.BatcherConfig{
			MinInterval: config.Batcher.MinInterval,
			MaxInterval: config.Batcher.MaxInterval,
			MaxPending:  config.Batcher.MaxPending,
		}
	}
	manager := biz.NewManager(defaultRegistry(), chatClient, todoStore, pool, sessionCfg, log)
	defer manager.Close()

	// HTTP layer
	hub := sse.NewHub()
	chatService := service.NewChatService(manager, upstream, hub, log)
	httpServer := server.NewHTTPServer(config, log, chatService)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	log.Info("server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// defaultRegistry registers the built-in tool metadata. Tools without an
// action only render; their outcomes arrive from the upstream stream.
func defaultRegistry() *tools.StaticRegistry {
	reg := tools.NewStaticRegistry()

	reg.Register(&tools.Definition{
		Name: "checkoff_todo",
		Display: map[types.ToolState]types.ToolDisplay{
			types.ToolStateGenerating: {Text: "Checking off {title}", Icon: "check"},
			types.ToolStateExecuting:  {Text: "Checking off {title}", Icon: "check"},
			types.ToolStateSuccess:    {Text: "Checked off {title}", Icon: "check"},
			types.ToolStateError:      {Text: "Failed to check off {title}", Icon: "alert"},
		},
	})
	reg.Register(&tools.Definition{
		Name: "mark_todo_in_progress",
		Display: map[types.ToolState]types.ToolDisplay{
			types.ToolStateGenerating: {Text: "Starting {title}", Icon: "play"},
			types.ToolStateSuccess:    {Text: "Started {title}", Icon: "play"},
			types.ToolStateError:      {Text: "Failed to start {title}", Icon: "alert"},
		},
	})
	reg.Register(&tools.Definition{
		Name:         "run_query",
		HasInterrupt: true,
		Display: map[types.ToolState]types.ToolDisplay{
			types.ToolStateGenerating: {Text: "Drafting query", Icon: "database"},
			types.ToolStatePending:    {Text: "Query ready to run", Icon: "database"},
			types.ToolStateExecuting:  {Text: "Running query", Icon: "database"},
			types.ToolStateSuccess:    {Text: "Query finished", Icon: "database"},
			types.ToolStateError:      {Text: "Query failed", Icon: "alert"},
		},
	})

	return reg
}

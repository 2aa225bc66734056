// Command loom runs the workflow automation engine: the HTTP API, the
// execution workers and the schedule loop in one process.
//
// # Configuration
//
// Environment variables:
//
//	API_PORT                - HTTP listen port (default: 3001)
//	API_BASE_URL            - base URL used in webhook URLs (default: http://localhost:3001)
//	CORS_ORIGIN             - allowed browser origin (default: any)
//	REDIS_HOST, REDIS_PORT  - queue/stream broker; unset runs in-process
//	REDIS_PASSWORD          - Redis password (optional)
//	MONGO_URI               - durable stores; unset runs in-memory
//	MONGO_DATABASE          - database name (default: loom)
//	ENCRYPTION_KEY          - credential encryption key (64-hex / 44-base64 / 32-raw)
//	INBOUND_EMAIL_DOMAIN    - domain of email trigger addresses
//	RESEND_API_KEY          - failure notification delivery (optional)
//	NOTIFICATION_FROM_EMAIL - notification sender address
//	OPENAI_API_KEY          - enables the aiRequest action (optional)
//	WORKER_CONCURRENCY      - per-queue worker count (default: 5)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/loomhq/loom/api"
	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/features/actions"
	clientspulse "github.com/loomhq/loom/features/pulse"
	queuepulse "github.com/loomhq/loom/features/queue/pulse"
	storemongo "github.com/loomhq/loom/features/store/mongo"
	streampulse "github.com/loomhq/loom/features/stream/pulse"
	"github.com/loomhq/loom/notify"
	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/credential"
	credinmem "github.com/loomhq/loom/runtime/credential/inmem"
	"github.com/loomhq/loom/runtime/execution"
	execinmem "github.com/loomhq/loom/runtime/execution/inmem"
	"github.com/loomhq/loom/runtime/ingress"
	"github.com/loomhq/loom/runtime/orchestrator"
	"github.com/loomhq/loom/runtime/queue"
	queueinmem "github.com/loomhq/loom/runtime/queue/inmem"
	"github.com/loomhq/loom/runtime/scheduler"
	"github.com/loomhq/loom/runtime/step"
	"github.com/loomhq/loom/runtime/steplog"
	loginmem "github.com/loomhq/loom/runtime/steplog/inmem"
	"github.com/loomhq/loom/runtime/stream"
	streaminmem "github.com/loomhq/loom/runtime/stream/inmem"
	"github.com/loomhq/loom/runtime/workflow"
	wfinmem "github.com/loomhq/loom/runtime/workflow/inmem"
)

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "loom exited")
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Durable stores, or in-memory when no Mongo is configured.
	var (
		workflows   workflow.Store
		triggers    workflow.TriggerStore
		executions  execution.Store
		stepLogs    steplog.Store
		credentials credential.Store
		pingers     []health.Pinger
	)
	if cfg.MongoURI != "" {
		client, err := storemongo.Connect(ctx, storemongo.Options{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() { _ = client.Close(context.Background()) }()
		if workflows, err = client.Workflows(ctx); err != nil {
			return err
		}
		if triggers, err = client.Triggers(ctx); err != nil {
			return err
		}
		if executions, err = client.Executions(ctx); err != nil {
			return err
		}
		if stepLogs, err = client.StepLogs(ctx); err != nil {
			return err
		}
		if credentials, err = client.Credentials(ctx); err != nil {
			return err
		}
		pingers = append(pingers, client)
		log.Print(ctx, log.KV{K: "msg", V: "stores ready"}, log.KV{K: "backend", V: "mongo"})
	} else {
		workflows = wfinmem.New()
		triggers = wfinmem.NewTriggerStore()
		executions = execinmem.New()
		stepLogs = loginmem.New()
		credentials = credinmem.New()
		log.Print(ctx, log.KV{K: "msg", V: "stores ready"}, log.KV{K: "backend", V: "inmem"})
	}

	// Queue, progress transport and cancellation flags, Redis-backed when a
	// broker is configured.
	var (
		jobs       queue.Queue
		sink       stream.Sink
		subscriber stream.Subscriber
		canceller  orchestrator.Canceller
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		defer func() { _ = pulseClient.Close(context.Background()) }()
		if jobs, err = queuepulse.New(queuepulse.Options{Client: pulseClient, Redis: rdb}); err != nil {
			return fmt.Errorf("create queue: %w", err)
		}
		if sink, err = streampulse.NewSink(streampulse.SinkOptions{Client: pulseClient}); err != nil {
			return fmt.Errorf("create progress sink: %w", err)
		}
		if subscriber, err = streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: pulseClient}); err != nil {
			return fmt.Errorf("create progress subscriber: %w", err)
		}
		canceller = queuepulse.NewRedisCanceller(rdb, "loom")
		log.Print(ctx, log.KV{K: "msg", V: "broker ready"}, log.KV{K: "redis", V: cfg.RedisAddr})
	} else {
		jobs = queueinmem.New()
		hub := streaminmem.NewHub()
		sink = hub
		subscriber = hub
		canceller = orchestrator.NewMemoryCanceller()
		log.Print(ctx, log.KV{K: "msg", V: "broker ready"}, log.KV{K: "redis", V: "in-process"})
	}
	defer func() { _ = jobs.Close(context.Background()) }()

	// Credential encryption.
	var key []byte
	if cfg.EncryptionKey == "" {
		log.Printf(ctx, "ENCRYPTION_KEY not set, credentials use the development key")
		key = credential.DevKey()
	} else {
		var err error
		if key, err = credential.ParseKey(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("parse encryption key: %w", err)
		}
	}
	cipher, err := credential.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create credential cipher: %w", err)
	}
	manager := credential.NewManager(credentials, cipher)

	// Failure notifications.
	var sender notify.Sender = notify.Nop{}
	if cfg.ResendAPIKey != "" {
		sender = notify.NewResend(cfg.ResendAPIKey, cfg.NotificationFrom)
	}
	notifier := notify.NewNotifier(sender, cfg.NotificationFrom)

	// Actions and the step executor.
	registry := action.NewRegistry()
	actionCfg := actions.Config{
		Sender:    sender,
		FromEmail: cfg.NotificationFrom,
	}
	if cfg.OpenAIKey != "" {
		actionCfg.Chat = openai.NewClient(cfg.OpenAIKey)
	}
	actions.RegisterAll(registry, actionCfg)
	executor := step.NewExecutor(registry, manager)

	orch := orchestrator.New(orchestrator.Options{
		Workflows:  workflows,
		Executions: executions,
		StepLogs:   stepLogs,
		Queue:      jobs,
		Executor:   executor,
		Sink:       sink,
		Canceller:  canceller,
		Notifier:   notifier,
	})
	sched := scheduler.New(jobs)
	if err := sched.Sync(ctx, triggers, workflows); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}

	server := api.NewServer(api.Options{
		Workflows:    workflows,
		Triggers:     triggers,
		Executions:   executions,
		StepLogs:     stepLogs,
		Orchestrator: orch,
		Scheduler:    sched,
		Ingress:      ingress.NewService(triggers, workflows, orch),
		Subscriber:   subscriber,
		BaseURL:      cfg.BaseURL,
		EmailDomain:  cfg.InboundEmailDomain,
		CORSOrigin:   cfg.CORSOrigin,
		Pingers:      pingers,
	})

	// Channel used by the signal handler and server goroutines to stop the
	// main goroutine.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "msg", V: "workers started"},
			log.KV{K: "concurrency", V: cfg.WorkerConcurrency})
		if err := orch.Workers(ctx, cfg.WorkerConcurrency); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("workers stopped: %w", err)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           log.HTTP(ctx)(server.Handler()),
		ReadHeaderTimeout: 60 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on :%d", cfg.APIPort)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	err = <-errc
	log.Printf(ctx, "exiting (%v)", err)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/replydesk/backend/internal/analysis/confidence"
	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/handler"
	"github.com/zhouzirui/replydesk/backend/internal/handler/suggestion"
	"github.com/zhouzirui/replydesk/backend/internal/handler/webhook"
	"github.com/zhouzirui/replydesk/backend/internal/notify"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
	"github.com/zhouzirui/replydesk/backend/internal/service/ai"
	"github.com/zhouzirui/replydesk/backend/internal/service/ingest"
	"github.com/zhouzirui/replydesk/backend/internal/service/quiet"
	"github.com/zhouzirui/replydesk/backend/internal/service/speech"
	"github.com/zhouzirui/replydesk/backend/internal/service/suggest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := repository.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	convRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	claimRepo := repository.NewClaimRepository(db)

	registry := newRegistry(cfg.Gateways)

	// 跨实例租约，未配置 Redis 时退化为单实例
	var lease quiet.Lease = quiet.NopLease{}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("warning: redis unavailable, quiet periods run per replica: %v", err)
		} else {
			lease = quiet.NewRedisLease(rdb, "")
			log.Println("Redis lease enabled")
		}
		cancel()
		defer rdb.Close()
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.NATS.Enabled() {
		nc, err := notify.Connect(cfg.NATS)
		if err != nil {
			log.Printf("warning: %v, suggestion events disabled", err)
		} else {
			publisher = notify.NewNATSPublisher(nc, cfg.NATS.Subject)
			defer nc.Drain()
		}
	}

	var recognizer speech.Recognizer
	if cfg.Speech.Enabled() {
		recognizer = speech.NewASRClient(cfg.Speech)
		log.Println("Speech recognition initialized successfully")
	} else {
		log.Println("语音识别凭证未配置，语音消息将以占位文本进入上下文")
	}
	transcriber := speech.NewTranscriber(registry, recognizer, cfg.Suggest.TranscriptionTimeout)

	var fire quiet.FireFunc
	if coordinator := newCoordinator(ctx, cfg, convRepo, messageRepo, claimRepo, transcriber, publisher); coordinator != nil {
		fire = coordinator.Fire
	} else {
		fire = func(_ context.Context, id int64) {
			log.Printf("[suggest] conversation=%d quiet period complete but drafting is disabled", id)
		}
	}

	scheduler := quiet.NewScheduler(cfg.Quiet, convRepo, lease, fire)
	ingestSvc := ingest.NewService(convRepo, messageRepo, claimRepo, scheduler)
	review := suggest.NewReview(convRepo, claimRepo, registry, ingestSvc, publisher)

	var workers sync.WaitGroup
	sweeper := suggest.NewSweeper(claimRepo, cfg.Suggest.SweepInterval)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweeper.Run(ctx)
	}()

	router := handler.NewRouter(
		webhook.New(registry, ingestSvc, cfg.Server.MaxBodyBytes),
		suggestion.New(review),
	)

	startServer(ctx, cfg.Server, router)

	scheduler.Stop()
	stop()
	workers.Wait()
	log.Println("replydesk stopped")
}

func newRegistry(cfg config.GatewaysConfig) *gateway.Registry {
	registry := gateway.NewRegistry()

	var cloudClient gateway.Client
	if cfg.Cloud.Enabled() {
		cloudClient = gateway.NewCloudClient(cfg.Cloud, nil)
	}
	registry.Register(gateway.NewCloudAdapter(cfg.Cloud), cloudClient)

	var greenClient gateway.Client
	if cfg.Green.Enabled() {
		greenClient = gateway.NewGreenClient(cfg.Green, nil)
	}
	registry.Register(gateway.NewGreenAdapter(cfg.Green), greenClient)

	log.Printf("gateways registered: %v", registry.Channels())
	return registry
}

// newCoordinator returns nil when no model is configured; messages are still
// ingested so history is complete once drafting is enabled.
func newCoordinator(
	ctx context.Context,
	cfg *config.Config,
	convs *repository.ConversationRepository,
	messages *repository.MessageRepository,
	claims *repository.ClaimRepository,
	transcriber suggest.Transcriber,
	publisher notify.Publisher,
) *suggest.Coordinator {
	if !cfg.AI.Enabled() {
		log.Println("Ark 凭证未配置，跳过建议回复生成")
		return nil
	}

	prompts := ai.NewReplyPromptBuilder(cfg.Suggest)
	primary, err := ai.NewService(ctx, cfg.AI, cfg.AI.Model, prompts)
	if err != nil {
		log.Printf("warning: failed to initialize AI service: %v", err)
		return nil
	}

	var strong suggest.Drafter
	if cfg.AI.StrongModel != "" && cfg.AI.StrongModel != cfg.AI.Model {
		strongSvc, err := ai.NewService(ctx, cfg.AI, cfg.AI.StrongModel, prompts)
		if err != nil {
			log.Printf("warning: strong model unavailable, low-confidence drafts are kept as is: %v", err)
		} else {
			strong = strongSvc
		}
	}
	log.Printf("AI service initialized (model=%s strong=%s)", cfg.AI.Model, cfg.AI.StrongModel)

	generator := suggest.NewGenerator(
		primary,
		strong,
		confidence.NewAnalyzer(cfg.Suggest.HedgePhrases, cfg.Suggest.LowConfidenceHedges),
		cfg.Suggest.RetryLengthGain,
		suggest.NewSanitizer(cfg.Suggest.ContactReplacements),
	)
	return suggest.NewCoordinator(convs, messages, claims, transcriber, generator, publisher, cfg.Suggest)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("replydesk backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	redis_rate "github.com/go-redis/redis_rate/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/MeeMeeBot/internal/admin"
	"github.com/digkill/MeeMeeBot/internal/config"
	"github.com/digkill/MeeMeeBot/internal/database"
	"github.com/digkill/MeeMeeBot/internal/payment"
	"github.com/digkill/MeeMeeBot/internal/queue"
	"github.com/digkill/MeeMeeBot/internal/repository"
	"github.com/digkill/MeeMeeBot/internal/service"
	"github.com/digkill/MeeMeeBot/internal/storage"
	"github.com/digkill/MeeMeeBot/internal/telegram"
	"github.com/digkill/MeeMeeBot/internal/templates"
	"github.com/digkill/MeeMeeBot/internal/veo"
	"github.com/digkill/MeeMeeBot/internal/worker"
	"github.com/digkill/MeeMeeBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("meemee: %v", err)
	}
}

func run(cfg config.Config) error {
	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}

	rdb, err := queue.NewRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	botName := cfg.BotName
	if botName == "" {
		botName = botAPI.Self.UserName
	}

	userRepo := repository.NewUserRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	templateStore := templates.NewStore(cfg.TemplatesDir)
	veoClient := veo.NewClient(cfg, logr)
	workQueue := queue.NewQueue(rdb)
	events := queue.NewEvents(rdb)

	userService := service.NewUserService(userRepo)
	quotaService := service.NewQuotaService(userRepo)
	orderService := service.NewOrderService(orderRepo)
	referralService := service.NewReferralService(service.ReferralConfig{
		BotName:         botName,
		Bonus:           cfg.ReferralBonus,
		CashbackPercent: cfg.ExpertCashbackPercent,
	}, logr, userRepo, referralRepo)
	generationService := service.NewGenerationService(service.GenerationConfig{
		PollInterval: cfg.GenerationPollInterval,
		PollAttempts: cfg.GenerationPollAttempts,
	}, logr, generationRepo, templateStore, veoClient, workQueue, events)

	if cfg.ArchiveEnabled() {
		uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
		if err != nil {
			return fmt.Errorf("storage uploader: %w", err)
		}
		generationService.SetArchiver(storage.NewVideoArchiver(veoClient, uploader))
	}

	// Interface values stay nil unless the provider is configured.
	var (
		cryptoGateway service.CryptoGateway
		fiatGateway   service.FiatGateway
		cryptoHooks   admin.CryptoWebhooks
		yooHooks      admin.YooKassaWebhooks
	)
	if cfg.CryptoEnabled() {
		gw := payment.NewCryptoGateway(cfg, logr)
		cryptoGateway, cryptoHooks = gw, gw
	}
	if cfg.FiatEnabled() {
		yk := payment.NewYooKassa(cfg, logr)
		fiatGateway, yooHooks = yk, yk
	}

	flowService := service.NewFlowService(service.FlowConfig{
		FreeQuota:       cfg.FreeQuotaPerUser,
		ReferralEnabled: cfg.ReferralEnabled,
		DeliveryWait:    cfg.DeliveryWaitTimeout,
		DeliveryPoll:    cfg.DeliveryPollInterval,
		NameDenylist:    cfg.NameDenylist,
	}, logr, userService, quotaService, orderService, referralService, generationService, templateStore, sessionRepo, cryptoGateway, fiatGateway)
	flowService.SetNotifier(telegram.NewNotifier(botAPI, logr, veoClient))
	generationService.SetOnFinished(flowService.GenerationFinished)

	bot := telegram.NewBot(cfg, botAPI, logr, userService, flowService, referralService, templateStore)

	adminServer := admin.NewServer(admin.Config{
		Addr:             cfg.AdminListenAddr,
		Username:         cfg.AdminUsername,
		Password:         cfg.AdminPassword,
		WebhookRateLimit: cfg.WebhookRateLimit,
	}, logr, admin.Deps{
		Orders:      orderService,
		Generations: generationService,
		Users:       userService,
		Referrals:   referralService,
		Payments:    flowService,
		YooKassa:    yooHooks,
		Crypto:      cryptoHooks,
		Limiter:     redis_rate.NewLimiter(rdb),
	})

	pool := worker.NewPool(worker.PoolConfig{
		Workers: cfg.GenerationWorkers,
		LockTTL: worker.LockTTL(cfg.GenerationPollInterval, cfg.GenerationPollAttempts),
	}, logr, workQueue, rdb, generationService)
	reconciler := worker.NewReconciler(logr, generationService, flowService, cfg.ReconcileInterval, cfg.ReconcileStaleAfter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error { return adminServer.Run(gctx) })
	g.Go(func() error { return bot.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logr.Info("shutdown complete")
	return nil
}

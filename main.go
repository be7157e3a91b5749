package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"convocrm/config"
	"convocrm/internal/adapters/gateway"
	"convocrm/internal/db"
	"convocrm/internal/handlers"
	"convocrm/internal/media"
	"convocrm/internal/push"
	"convocrm/internal/reconcile"
	"convocrm/pkg/logger"
)

func main() {
	logger.Init(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer conn.Close()

	repo, err := db.NewConversationRepo(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize conversation registry")
	}

	gwClient, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	mediaStore, err := media.NewStore(media.Config{
		Enabled:   cfg.S3Enabled,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize S3 media store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer, err := push.NewConsumer(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ consumer")
	}
	defer consumer.Close()

	var subs reconcile.Subscriber
	if consumer != nil {
		subs = consumer
	}

	engine, err := reconcile.NewEngine(gwClient, subs, reconcile.Options{
		PollInterval: cfg.PollInterval,
		Sender:       cfg.AgentName,
		OnSendError: func(conversationID, localID string, err error) {
			log.Warn().Err(err).
				Str("conversationID", conversationID).
				Str("localID", localID).
				Msg("Message send failed; awaiting explicit retry")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize reconciliation engine")
	}
	defer engine.Close()

	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start RabbitMQ consumer")
	}

	api, err := handlers.NewAPI(engine, repo, mediaStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize API handlers")
	}
	webhook := handlers.NewWebhookHandler(engine, cfg.GatewayWebhookSecret)

	router := mux.NewRouter()
	chain := alice.New(handlers.RequestLogger, handlers.Auth(cfg.APIToken))

	apiRouter := mux.NewRouter()
	apiRouter.HandleFunc("/api/conversations", api.ListConversations()).Methods(http.MethodGet)
	apiRouter.HandleFunc("/api/conversations/{id}", api.UpdateConversation()).Methods(http.MethodPatch)
	apiRouter.HandleFunc("/api/conversations/{id}/open", api.OpenConversation()).Methods(http.MethodPost)
	apiRouter.HandleFunc("/api/conversations/{id}/messages", api.GetMessages()).Methods(http.MethodGet)
	apiRouter.HandleFunc("/api/conversations/{id}/messages", api.SubmitMessage()).Methods(http.MethodPost)
	apiRouter.HandleFunc("/api/conversations/{id}/messages/{localId}/retry", api.RetryMessage()).Methods(http.MethodPost)
	apiRouter.HandleFunc("/api/status", api.Status()).Methods(http.MethodGet)
	router.PathPrefix("/api/").Handler(chain.Then(apiRouter))

	// The webhook authenticates with its own HMAC signature, not the API token.
	router.HandleFunc("/webhooks/gateway", webhook.Handle).Methods(http.MethodPost)
	router.HandleFunc("/health", api.Health()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		srv.Shutdown(context.Background())
	}()

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/customeros/mailbridge/api"
	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/internal/cron"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/repository"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/services"
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cron         *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize jaeger tracer")
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(db)

	svcs, err := services.InitServices(cfg, appLogger, repos)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize services")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		cron:         cron.NewCronManager(cfg.CronConfig, appLogger, kubernetesClient(appLogger), svcs.Subscriptions, svcs.Dispatcher),
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster; the cron manager then runs
// without leader election.
func kubernetesClient(log logger.Logger) kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		log.Infof("Not running in kubernetes: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Warnf("Failed to create kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api.RegisterRoutes(s.router, s.services, s.repositories, s.log, s.config.AppConfig.APIKey, true)

	if err := s.cron.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start cron manager")
	}

	go func() {
		defer tracing.RecoverAndLogToJaeger(s.log)
		s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	}()
	s.log.Info("Mailbridge is now running. Press Ctrl+C to exit.")

	return s.waitForShutdown(cancel)
}

func (s *Server) waitForShutdown(cancel context.CancelFunc) error {
	defer tracing.RecoverAndLogToJaeger(s.log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	s.log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.AppConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("HTTP server shutdown error: %v", err)
	} else {
		s.log.Info("HTTP server shut down successfully")
	}

	// releases the leader lease
	cancel()
	s.cron.Stop()

	if err := s.services.Close(); err != nil {
		s.log.Errorf("Failed to close services: %v", err)
	}
	if s.tracerCloser != nil {
		if err := s.tracerCloser.Close(); err != nil {
			s.log.Errorf("Failed to close tracer: %v", err)
		}
	}
	_ = s.log.Sync()
	return nil
}

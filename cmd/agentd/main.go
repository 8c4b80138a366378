package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/routes"
	"github.com/praxisline/agentd/cmd/agentd/runner"
	"github.com/praxisline/agentd/cmd/agentd/trigger"
	"github.com/praxisline/agentd/common/bootstrap"
	"github.com/praxisline/agentd/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "agentd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap agentd: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.New(components, container.Opts{
		LLM:   llmTransport(),
		Gmail: gmailTransport(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	if err := serviceContainer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start background loops: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		serviceContainer.Shutdown(shutdownCtx)
	}()

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	srv := server.New("agentd", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers health and metrics endpoints
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "agentd",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterTriggerRoutes(e, serviceContainer)
	routes.RegisterAdminRoutes(e, serviceContainer)
	routes.RegisterWSRoutes(e, serviceContainer)
}

// llmTransport returns the model provider adapter. The core consumes
// models behind runner.LLM; deployments plug their provider here.
func llmTransport() runner.LLM {
	return unconfiguredLLM{}
}

type unconfiguredLLM struct{}

func (unconfiguredLLM) Complete(ctx context.Context, req *runner.CompletionRequest) (*runner.Completion, error) {
	return nil, fmt.Errorf("no LLM transport configured for model %s", req.Model)
}

// gmailTransport returns the Gmail client when OAuth credentials are
// configured; nil disables the email trigger poller.
func gmailTransport() trigger.GmailAPI {
	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return trigger.NewHTTPGmailAPI(nil, clientID, clientSecret, os.Getenv("GMAIL_PUBSUB_TOPIC"))
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/relaytest"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// newServeCommand runs relaytest.Server as a standalone process, fronting
// the reference message-service double with http.ListenAndServe for local
// manual testing.
func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference message-service double for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			srv := relaytest.New(ctx, redisClient, logger)
			defer srv.Close()

			httpServer := &http.Server{Addr: addr, Handler: srv.Router()}
			go func() {
				<-ctx.Done()
				_ = httpServer.Close()
			}()

			logger.Infof("relaytest message service listening on %s", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	return cmd
}

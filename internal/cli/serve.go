package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkilian/chunkindex/internal/app"
	"github.com/spf13/cobra"
)

var (
	serveHTTPAddr string
	serveGRPCAddr string
	serveArchive  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import API, the compilers and the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveHTTPAddr != "" {
			cfg.HTTP.Addr = serveHTTPAddr
		}
		if serveGRPCAddr != "" {
			cfg.GRPC.Addr = serveGRPCAddr
		}
		if serveArchive {
			cfg.Archive.Enabled = true
		}

		application, err := app.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := application.Start(ctx); err != nil {
			return err
		}
		log.Printf("  HTTP: %s", application.HTTPAddr())
		if cfg.GRPC.Enabled {
			log.Printf("  gRPC: %s", application.GRPCAddr())
		}

		errc := make(chan error, 1)
		go func() { errc <- application.Wait() }()

		select {
		case <-ctx.Done():
			log.Printf("Received shutdown signal")
		case err := <-errc:
			if err != nil {
				log.Printf("Server error: %v", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := application.Stop(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address")
	serveCmd.Flags().BoolVar(&serveArchive, "archive", false, "Mirror compiled chunks to object storage")
	rootCmd.AddCommand(serveCmd)
}

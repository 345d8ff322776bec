package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nainya/fhirstore/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var httpPort, grpcPort, metricsPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST, gRPC and metrics listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-port") {
				cfg.Server.HTTPPort = httpPort
			}
			if cmd.Flags().Changed("grpc-port") {
				cfg.Server.GRPCPort = grpcPort
			}
			if cmd.Flags().Changed("metrics-port") {
				cfg.Server.MetricsPort = metricsPort
			}

			log := newLogger(cfg, cmd)
			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&httpPort, "http-port", 8080, "REST listen port")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 9090, "gRPC listen port")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9091, "metrics, health and pprof port")
	return cmd
}

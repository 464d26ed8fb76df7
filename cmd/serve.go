package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/andresmejia3/veil/internal/server"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the effect engine over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("addr") {
			Cfg.Server.Addr = serveAddr
		}
		return runServe(cmd.Context(), Cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":3000", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, addr string) error {
	if err := validateServeFlags(addr); err != nil {
		return err
	}

	srv, err := server.NewServer(
		server.WithLogger(Log),
		server.WithConfig(Cfg),
		server.WithDetector(Detector),
	)
	if err != nil {
		utils.ShowError("Failed to build server", err, nil)
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Listen(addr)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			utils.ShowError("Server stopped", err, nil)
		}
		return err
	case <-ctx.Done():
		Log.Info("shutting down server")
		return srv.Shutdown()
	}
}

func validateServeFlags(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		err = fmt.Errorf("invalid listen address %q: %w", addr, err)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	return nil
}

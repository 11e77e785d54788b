package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/bizdash/bizsync/internal/devserver"
)

var (
	devserverAddr  string
	devserverToken string
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8080", "listen address")
	devserverCmd.Flags().StringVar(&devserverToken, "token", "", "require this bearer token")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory dashboard API for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		srv := devserver.New(devserver.WithToken(devserverToken), devserver.WithLogger(newLogger()))
		fmt.Printf("Serving %v on http://%s\n", devserver.Collections, devserverAddr)
		return srv.ListenAndServe(ctx, devserverAddr)
	},
}

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/astreum/astreum-go/core"
	"github.com/astreum/astreum-go/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "astreum", Short: "Astreum network node"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(keyCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	start := &cobra.Command{
		Use:   "start",
		Short: "start a node and join the overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			node, err := core.NewNode(cfg)
			if err != nil {
				return err
			}
			defer node.Close()

			if err := node.Connect(context.Background()); err != nil {
				return err
			}
			logrus.Infof("node %s listening on %d", hex.EncodeToString(node.RelayPublicKey()), node.IncomingPort())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
	start.Flags().String("config", "", "path to a YAML config file")
	cmd.AddCommand(start)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key"}
	generate := &cobra.Command{
		Use:   "generate",
		Short: "generate a validator identity seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			fmt.Printf("seed: %s\n", hex.EncodeToString(priv.Seed()))
			fmt.Printf("public: %s\n", hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
			return nil
		},
	}
	cmd.AddCommand(generate)
	return cmd
}

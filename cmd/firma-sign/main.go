// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

// firma-sign is the self-hosted document signing daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/firma-sign/go-firma-sign/crypto"
	"github.com/firma-sign/go-firma-sign/node"
	_ "github.com/firma-sign/go-firma-sign/transport/p2p"
)

func main() {
	app := &cli.App{
		Name:    "firma-sign",
		Usage:   "self-hosted peer-to-peer document signing",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "datadir",
				Usage: "data directory (overrides the config file)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "create the data directory and node identity key",
				Action: initCommand,
			},
			{
				Name:   "run",
				Usage:  "run the signing daemon",
				Action: runCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "firma-sign:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from flags and file.
func loadConfig(c *cli.Context) (*node.Config, error) {
	cfg := node.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := node.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dir := c.String("datadir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, cfg.Validate()
}

// setupLogging configures logrus from the config: level, format and an
// optional rotating file sink.
func setupLogging(cfg *node.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.Log.Level, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Log.File != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return nil
}

// initCommand prepares the data directory and prints the node identity.
func initCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	keyFile := filepath.Join(cfg.DataDir, "p2p.key")
	key, err := crypto.LoadOrGenerateKey(keyFile)
	if err != nil {
		return err
	}
	fmt.Println("data directory:", cfg.DataDir)
	fmt.Println("peer id:       ", crypto.PeerID(key.PubKey()))
	return nil
}

// runCommand starts the node and blocks until SIGINT or SIGTERM.
func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")
	return n.Stop(ctx)
}

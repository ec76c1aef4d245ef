// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command aerocore is the thin process entry point around the worker
// coordinator: it parses flags, wires up logging, loads a config file,
// starts a Coordinator, and waits for a signal to shut down. It holds
// no coordination logic of its own, the same division of labor the
// teacher's src/runtime/cli/main.go keeps between argument parsing and
// virtcontainers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/aerocore/vmcore/internal/configdiff"
	"github.com/aerocore/vmcore/internal/coordinator"
	"github.com/aerocore/vmcore/internal/vmconfig"
)

const name = "aerocore"

var usage = fmt.Sprintf(`%s runs the worker coordination core for a single VM instance.`, name)

var appLog *logrus.Entry

func logger() *logrus.Entry {
	if appLog != nil {
		return appLog
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func initLogger(level string) error {
	appLog = logrus.WithField("source", name)
	appLog.Logger.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	appLog.Logger.SetLevel(parsed)

	coordinator.SetLogger(appLog)
	return nil
}

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config",
		Usage: "path to the VM config TOML file",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "log level: trace, debug, info, warn, error",
	},
}

func startAction(c *cli.Context) error {
	if err := initLogger(c.GlobalString("log-level")); err != nil {
		return err
	}

	cfg := vmconfig.Config{VMRuntime: vmconfig.RuntimeLegacy}
	if path := c.GlobalString("config"); path != "" {
		loaded, err := configdiff.LoadFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	coord := coordinator.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	logger().WithField("vm_instance", coord.InstanceID().String()).Info("coordinator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger().Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return coord.Stop(stopCtx)
}

func createApp(args []string) error {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Flags = globalFlags
	app.Action = startAction

	return app.Run(args)
}

func main() {
	if err := createApp(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

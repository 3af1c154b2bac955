// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/n0ot/chanrelay/pkg/relay"
	"github.com/n0ot/chanrelay/pkg/server"
)

var log *logrus.Logger

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the chanrelay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", ":3055", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().StringP("stats-bind", "s", "", "Serve stats over HTTP on host:port (empty disables)")
	viper.BindPFlag("server.statsBind", startCmd.Flags().Lookup("stats-bind"))
	startCmd.Flags().Int64P("max-message-size", "m", server.DefaultMaxMessageSize, "Largest frame accepted from a client in bytes (0 disables the limit)")
	viper.BindPFlag("server.maxMessageSize", startCmd.Flags().Lookup("max-message-size"))
	startCmd.Flags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", startCmd.Flags().Lookup("log-level"))

	viper.SetDefault("server.writeTimeout", 10)
	viper.SetDefault("server.shutdownTimeout", 10)
	viper.SetDefault("log.format", "text")
}

func newLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = os.Stderr

	switch format := viper.GetString("log.format"); format {
	case "text", "":
		logger.Formatter = new(logrus.TextFormatter)
	case "json":
		logger.Formatter = new(logrus.JSONFormatter)
	default:
		return nil, errors.Errorf("Unknown log format %q", format)
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "Log level")
	}
	logger.Level = level
	return logger, nil
}

func transportConfig() server.Config {
	maxMessageSize := viper.GetInt64("server.maxMessageSize")
	if maxMessageSize == 0 {
		maxMessageSize = -1 // Unlimited
	}
	return server.Config{
		MaxMessageSize: maxMessageSize,
		WriteTimeout:   time.Duration(viper.GetInt("server.writeTimeout")) * time.Second,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var err error
	if log, err = newLogger(); err != nil {
		return err
	}

	reg := relay.NewRegistry()
	rl := relay.New(log, reg, relay.DefaultQueueSize)
	srv := server.New(transportConfig(), rl, log)

	log.Info("Starting chanrelay")
	listener, err := server.Listen(viper.GetString("server.bind"))
	if err != nil {
		log.WithError(err).Fatal("Cannot start relay")
	}

	var statsSrv *http.Server
	var statsListener net.Listener
	if statsBind := viper.GetString("server.statsBind"); statsBind != "" {
		if statsListener, err = server.Listen(statsBind); err != nil {
			log.WithError(err).Fatal("Cannot start stats server")
		}
		statsSrv = server.NewStatsServer(reg, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The relay outlives the listeners, so it can handle the closes caused by shutting them down.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rl.Run(relayCtx)
	})
	g.Go(func() error {
		return srv.Serve(listener)
	})
	if statsSrv != nil {
		g.Go(func() error {
			log.WithField("addr", statsListener.Addr().String()).Info("Serving stats")
			if err := statsSrv.Serve(statsListener); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "Serve stats")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		timeout := time.Duration(viper.GetInt("server.shutdownTimeout")) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if statsSrv != nil {
			if statsErr := statsSrv.Shutdown(shutdownCtx); statsErr != nil {
				log.WithError(statsErr).Warn("Cannot shut down stats server")
			}
		}
		stopRelay()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Goodbye")
	return nil
}

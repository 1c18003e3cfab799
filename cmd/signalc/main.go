// signalc - A Signal protocol daemon for message dispatch systems.
// Copyright (C) 2026 Team Friendo
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"

	"github.com/team-friendo/signalc/config"
	"github.com/team-friendo/signalc/pkg/signalc"
	"github.com/team-friendo/signalc/pkg/signalc/libsignal"
	"github.com/team-friendo/signalc/pkg/signalc/socket"
	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

func main() {
	path := os.Getenv(config.EnvConfigPath)
	if path == "" {
		path = config.DefaultPath
	}
	cfg := exerrors.Must(config.Load(path))
	log := exerrors.Must(cfg.Logging.Compile())
	exzerolog.SetupDefaults(log)

	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))
	defer cancel()

	db := exerrors.Must(dbutil.NewFromConfig("signalc", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())))
	container := store.NewContainer(db, dbutil.ZeroLogger(log.With().Str("db_section", "signalc").Logger()))
	exerrors.PanicIfNotNil(container.Upgrade(ctx))

	webClient := web.NewClient(cfg.Signal.ServiceURL, cfg.Signal.CDNURL, cfg.Signal.Agent, *log)
	accounts := signalc.NewAccountManager(container, webClient, libsignal.NewKeyGenerator(), *log)
	messenger := signalc.NewMessenger(container, webClient, libsignal.NewFactory(webClient, *log), cfg.Signal.AttachmentsDir, *log)
	receiver := signalc.NewReceiver(accounts, messenger, cfg.Signal.WebsocketURL, cfg.Signal.Agent, *log)
	receiver.ReadTimeout = cfg.Timers.PipeReadTimeout

	handler := socket.NewHandler(ctx, accounts, messenger, socket.WrapReceiver(receiver), cancel, *log)
	handler.ResubscribeDelay = cfg.Timers.ResubscribeDelay
	handler.ResubscribeReset = cfg.Timers.ResubscribeReset
	server := exerrors.Must(socket.Listen(cfg.Socket.Path, handler, *log))
	go func() {
		if err := server.Serve(ctx); err != nil {
			log.Err(err).Msg("Socket server stopped")
			cancel()
		}
	}()
	log.Info().Str("socket_path", cfg.Socket.Path).Msg("signalc is running")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	receiver.UnsubscribeAll()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Timers.DrainTimeout)
	defer drainCancel()
	if err := receiver.Drain(drainCtx); err != nil {
		log.Warn().Int64("messages_in_flight", receiver.MessagesInFlight()).Msg("Shutdown drain timed out")
	}
	server.Close()
	exerrors.PanicIfNotNil(db.Close())
}

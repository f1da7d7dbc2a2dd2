// Package jetstream owns the embedded NATS server and the per-guild
// ordering streams. Discord gateway dispatches are published to a
// subject per guild so that events for one guild apply strictly in
// order while different guilds progress independently.
package jetstream

import (
	"path/filepath"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/setup/config"
	"github.com/roomy-chat/discord-bridge/setup/process"
)

// NATSInstance contains the embedded NATS server, if one is running.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
	sync.Mutex
}

// Prepare starts the embedded server on first call and returns a
// JetStream context connected to it over an in-process pipe. The
// server does not listen on any network port.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.Global) (natsclient.JetStreamContext, *natsclient.Conn) {
	s.Lock()
	defer s.Unlock()
	if s.Server == nil {
		opts := &natsserver.Options{
			DontListen:      true,
			JetStream:       true,
			StoreDir:        filepath.Join(cfg.DataDir, "nats"),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           true,
		}
		var err error
		s.Server, err = natsserver.NewServer(opts)
		if err != nil {
			log.WithError(err).Panic("Failed to create embedded NATS server")
		}
		s.Start()
		go func() {
			process.ComponentStarted()
			defer process.ComponentFinished()
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
		}()
	}
	if !s.ReadyForConnections(time.Second * 10) {
		log.Panic("Embedded NATS server did not start in time")
	}
	if s.nc == nil {
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
		if err != nil {
			log.WithError(err).Panic("Failed to connect to embedded NATS server")
		}
		s.nc = nc
	}
	if s.js == nil {
		s.js = setupNATS(s.nc)
	}
	return s.js, s.nc
}

func setupNATS(nc *natsclient.Conn) natsclient.JetStreamContext {
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).Panic("Unable to get JetStream context")
	}

	for _, stream := range streams {
		info, err := js.StreamInfo(stream.Name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			log.WithError(err).Fatal("Unable to get stream info")
		}
		if info == nil {
			if _, err = js.AddStream(stream); err != nil {
				log.WithError(err).WithField("stream", stream.Name).Fatal("Unable to add stream")
			}
		}
	}
	return js
}

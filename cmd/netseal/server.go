package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/netseal/netseal"
	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/nstore"
	"github.com/netseal/netseal/transport"
)

// tickRate is how often the server and client driver loops run.
const tickRate = 10 * time.Millisecond

// logObserver adapts the standard logger to the engine observer.
type logObserver struct{}

func (logObserver) Logf(format string, args ...any) {
	log.Printf(format, args...)
}

// logCallbacks reports slot lifecycle events on the standard logger.
type logCallbacks struct {
	server func() *netseal.Server
}

func (c *logCallbacks) OnClientConnect(i int) {
	s := c.server()
	log.Printf("client %016x connected in slot %d (%s), %d online", s.ClientID(i), i, s.ClientAddress(i), s.NumConnectedClients())
}

func (c *logCallbacks) OnClientDisconnect(i int) {
	log.Printf("slot %d disconnected", i)
}

func (c *logCallbacks) OnClientTimedOut(i int) {
	log.Printf("slot %d timed out", i)
}

func runServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:40000", "address to listen on")
	dataDir := fs.String("data", "netseal-data", "data directory for the key file")
	maxClients := fs.Int("max-clients", netseal.DefaultMaxClients, "maximum simultaneous clients")
	useQUIC := fs.Bool("quic", false, "carry packets over QUIC datagrams instead of raw UDP")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		return fmt.Errorf("server: bad listen address %q: %w", *listen, err)
	}

	key, err := nstore.LoadOrCreate(filepath.Join(*dataDir, "server.key"))
	if err != nil {
		return err
	}
	log.Printf("server key %s", nstore.Fingerprint(&key))

	var tr nsdef.Transport
	var closer interface{ Close() error }
	if *useQUIC {
		t, err := transport.ListenQUIC(transport.QuicOpt{
			ListenAddr: addr,
			Accept:     true,
			Observer:   logObserver{},
		})
		if err != nil {
			return err
		}
		tr, closer = t, t
	} else {
		t, err := transport.ListenUDP(transport.UDPOpt{
			ListenAddr: addr,
			Observer:   logObserver{},
		})
		if err != nil {
			return err
		}
		tr, closer = t, t
	}
	defer closer.Close()

	callbacks := &logCallbacks{}
	server, err := netseal.NewServer(netseal.ServerOpt{
		Transport:  tr,
		Addr:       addr,
		PrivateKey: key,
		MaxClients: *maxClients,
		Callbacks:  callbacks,
		Observer:   logObserver{},
	})
	if err != nil {
		return err
	}
	callbacks.server = func() *netseal.Server { return server }

	log.Printf("listening on %s (max %d clients)", addr, *maxClients)

	start := time.Now()
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Since(start).Seconds()
			server.ReceivePackets(now)
			server.SendPackets(now)
			server.CheckForTimeOut(now)
		}
	}
}

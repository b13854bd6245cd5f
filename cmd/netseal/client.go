package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"time"

	"github.com/netseal/netseal"
	"github.com/netseal/netseal/issuer"
	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/transport"
)

func runClient(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	grantPath := fs.String("grant", "grant.bin", "path to the grant file from mint")
	server := fs.String("server", "", "server address to connect to (defaults to the grant's first address)")
	useQUIC := fs.Bool("quic", false, "carry packets over QUIC datagrams instead of raw UDP")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := os.ReadFile(*grantPath)
	if err != nil {
		return fmt.Errorf("client: read grant: %w", err)
	}
	var grant issuer.Grant
	if err := grant.UnmarshalBinary(data); err != nil {
		return err
	}

	serverAddr := grant.ServerAddresses[0]
	if *server != "" {
		serverAddr, err = netip.ParseAddrPort(*server)
		if err != nil {
			return fmt.Errorf("client: bad server address %q: %w", *server, err)
		}
	}

	var tr nsdef.Transport
	var closer interface{ Close() error }
	if *useQUIC {
		t, err := transport.ListenQUIC(transport.QuicOpt{
			ListenAddr: netip.MustParseAddrPort("0.0.0.0:0"),
			Observer:   logObserver{},
		})
		if err != nil {
			return err
		}
		tr, closer = t, t
	} else {
		t, err := transport.ListenUDP(transport.UDPOpt{
			ListenAddr: netip.MustParseAddrPort("0.0.0.0:0"),
			Observer:   logObserver{},
		})
		if err != nil {
			return err
		}
		tr, closer = t, t
	}
	defer closer.Close()

	client, err := netseal.NewClient(netseal.ClientOpt{
		Transport: tr,
		Observer:  logObserver{},
	})
	if err != nil {
		return err
	}

	start := time.Now()
	client.Connect(serverAddr, 0, grant.ClientID, grant.TokenData, grant.TokenNonce,
		grant.ClientToServerKey, grant.ServerToClientKey)
	log.Printf("connecting to %s as client %016x (grant %s)", serverAddr, grant.ClientID, grant.Fingerprint)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	lastState := client.State()
	for {
		select {
		case <-ctx.Done():
			client.Disconnect(time.Since(start).Seconds())
			return nil
		case <-ticker.C:
			now := time.Since(start).Seconds()
			client.SendPackets(now)
			client.ReceivePackets(now)
			client.CheckForTimeOut(now)

			if state := client.State(); state != lastState {
				log.Printf("state: %s", state)
				lastState = state
				switch state {
				case netseal.StateConnectionDenied,
					netseal.StateConnectionRequestTimedOut,
					netseal.StateChallengeResponseTimedOut,
					netseal.StateDisconnected:
					return fmt.Errorf("client: connection failed: %s", state)
				}
			}
		}
	}
}

package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/netseal/netseal/issuer"
	"github.com/netseal/netseal/nstore"
)

func runMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	dataDir := fs.String("data", "netseal-data", "data directory for the key file and mint ledger")
	clientID := fs.Uint64("client-id", 0, "client id to mint for (required, nonzero)")
	servers := fs.String("servers", "", "comma-separated server addresses the token is valid on (required)")
	protocolID := fs.Uint("protocol", 1, "protocol id")
	lifetime := fs.Uint64("lifetime", issuer.DefaultTokenLifetime, "token lifetime in seconds")
	out := fs.String("out", "grant.bin", "path to write the grant file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *clientID == 0 {
		return fmt.Errorf("mint: -client-id is required and must be nonzero")
	}
	if *servers == "" {
		return fmt.Errorf("mint: -servers is required")
	}
	var addrs []netip.AddrPort
	for _, s := range strings.Split(*servers, ",") {
		a, err := netip.ParseAddrPort(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("mint: bad server address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}

	key, err := nstore.LoadOrCreate(filepath.Join(*dataDir, "server.key"))
	if err != nil {
		return err
	}

	is, err := issuer.Open(issuer.Config{
		DBPath:        filepath.Join(*dataDir, "mints.db"),
		PrivateKey:    key,
		ProtocolID:    uint32(*protocolID),
		TokenLifetime: *lifetime,
	})
	if err != nil {
		return err
	}
	defer is.Close()

	grant, err := is.Mint(*clientID, addrs)
	if err != nil {
		return err
	}

	data, err := grant.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0600); err != nil {
		return fmt.Errorf("mint: write grant: %w", err)
	}

	fmt.Printf("minted %s for client %016x, expires at %d\n", grant.Fingerprint, grant.ClientID, grant.Expiry)
	fmt.Printf("server key %s\n", nstore.Fingerprint(&key))
	fmt.Printf("grant written to %s\n", *out)
	return nil
}

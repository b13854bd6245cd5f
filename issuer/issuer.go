// Package issuer is the minting side of the netseal handshake: the service
// a matchmaker calls to produce connect tokens for authenticated players.
// It shares the server's private key, seals each token, and keeps an audit
// ledger of every mint in a bbolt database so operators can answer "who was
// issued what, and when" after the fact.
package issuer

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/netseal/netseal/bech32"
	"github.com/netseal/netseal/nsdef"
	"github.com/netseal/netseal/token"
)

var (
	// ErrZeroClientID is returned when a mint is requested for the
	// reserved client id 0.
	ErrZeroClientID = errors.New("issuer: client id is zero")
)

// grantHRP prefixes rendered token fingerprints.
const grantHRP = "nstok"

var bucketMints = []byte("mints")

// DefaultTokenLifetime is how long a minted token stays valid, in seconds.
const DefaultTokenLifetime = 30

// Config configures an Issuer.
type Config struct {
	// DBPath is the path to the bbolt ledger file.
	DBPath string

	// PrivateKey is the server key tokens are sealed with.
	PrivateKey nsdef.Key

	// ProtocolID is written into every minted token. The server does not
	// compare it against a protocol id of its own, so a token minted for
	// another protocol is not rejected on that ground.
	ProtocolID uint32

	// TokenLifetime is the validity window of a minted token in seconds.
	// Defaults to DefaultTokenLifetime.
	TokenLifetime uint64

	// WallClock supplies seconds since epoch. Defaults to the system
	// clock.
	WallClock func() uint64
}

// Grant is everything a client needs to attempt a connection: the opaque
// sealed token plus the channel keys it cannot read out of the token
// itself.
type Grant struct {
	ClientID        uint64
	ServerAddresses []netip.AddrPort
	Expiry          uint64

	TokenData  []byte
	TokenNonce nsdef.Nonce

	ClientToServerKey nsdef.Key
	ServerToClientKey nsdef.Key

	// Fingerprint identifies this grant in the ledger and in logs.
	Fingerprint string
}

// Record is one ledger entry.
type Record struct {
	ClientID    uint64 `cbor:"1,keyasint"`
	Expiry      uint64 `cbor:"2,keyasint"`
	IssuedAt    uint64 `cbor:"3,keyasint"`
	Fingerprint string `cbor:"4,keyasint"`
}

// Issuer mints connect tokens and records each mint.
type Issuer struct {
	db  *bbolt.DB
	cfg Config
}

// Open creates or opens the ledger at cfg.DBPath.
func Open(cfg Config) (*Issuer, error) {
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.WallClock == nil {
		cfg.WallClock = func() uint64 { return uint64(time.Now().Unix()) }
	}

	dir := filepath.Dir(cfg.DBPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("issuer: create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(cfg.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("issuer: open ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("issuer: init ledger: %w", err)
	}

	return &Issuer{db: db, cfg: cfg}, nil
}

// Close releases the ledger.
func (is *Issuer) Close() error {
	return is.db.Close()
}

// Mint issues a connect token for clientID, valid on the given server
// addresses, and records the mint in the ledger.
func (is *Issuer) Mint(clientID uint64, serverAddresses []netip.AddrPort) (*Grant, error) {
	if clientID == 0 {
		return nil, ErrZeroClientID
	}

	now := is.cfg.WallClock()
	expiry := now + is.cfg.TokenLifetime

	connectToken, err := token.GenerateConnectToken(clientID, serverAddresses, is.cfg.ProtocolID, expiry)
	if err != nil {
		return nil, err
	}

	grant := &Grant{
		ClientID:          clientID,
		ServerAddresses:   append([]netip.AddrPort(nil), serverAddresses...),
		Expiry:            expiry,
		ClientToServerKey: connectToken.ClientToServerKey,
		ServerToClientKey: connectToken.ServerToClientKey,
	}
	if err := token.GenerateNonce(&grant.TokenNonce); err != nil {
		return nil, err
	}

	key := is.cfg.PrivateKey
	grant.TokenData, err = token.EncryptConnectToken(connectToken, nil, &grant.TokenNonce, &key)
	if err != nil {
		return nil, err
	}

	grant.Fingerprint = macFingerprint(grant.TokenData[:nsdef.MacBytes])

	record := Record{
		ClientID:    clientID,
		Expiry:      expiry,
		IssuedAt:    now,
		Fingerprint: grant.Fingerprint,
	}
	value, err := cbor.Marshal(record)
	if err != nil {
		return nil, err
	}
	err = is.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMints).Put(grant.TokenData[:nsdef.MacBytes], value)
	})
	if err != nil {
		return nil, fmt.Errorf("issuer: record mint: %w", err)
	}

	return grant, nil
}

// Records returns every ledger entry, unordered.
func (is *Issuer) Records() ([]Record, error) {
	var out []Record
	err := is.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMints).ForEach(func(_, v []byte) error {
			var r Record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sweep deletes ledger entries whose tokens have expired and reports how
// many were removed. Expired entries are audit noise: the server rejects
// those tokens on its own.
func (is *Issuer) Sweep() (int, error) {
	now := is.cfg.WallClock()
	removed := 0
	err := is.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMints)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Expiry <= now {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// macFingerprint renders a token's leading MAC bytes for the ledger and for
// logs.
func macFingerprint(mac []byte) string {
	sum := blake2b.Sum256(mac)
	s, err := bech32.Encode(grantHRP, sum[:10])
	if err != nil {
		return ""
	}
	return s
}

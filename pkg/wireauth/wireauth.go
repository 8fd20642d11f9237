// Package wireauth implements the bootstrap fabric's four-stage wire
// handshake: service-id, length-prefixed connect-text, service-id echo,
// length-prefixed accept-text, ack. Both sides run the identical byte
// sequence; Connect and Accept are the two halves.
//
// The connect/accept text is a short-lived JWT (github.com/golang-jwt/
// jwt/v5) rather than a bare shared secret, signed with an HMAC key
// golang.org/x/crypto/hkdf derives per connection from the configured
// shared secret and the service id, so a captured connect-text cannot be
// replayed against a different service.
package wireauth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/wireio"
)

// Config holds the handshake's tunables, sourced from the process
// configuration (MPIRUN_AUTHENTICATE_ENABLE / _TIMEOUT).
type Config struct {
	ServiceID     uint32
	SharedSecret  []byte
	Enabled       bool
	ReplyTimeout  time.Duration
	Logger        *logrus.Entry
}

const nackMarker = ^uint32(0)

func (c *Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (c *Config) timeoutMsecs() int {
	if c.ReplyTimeout <= 0 {
		return 0
	}
	return int(c.ReplyTimeout / time.Millisecond)
}

// deriveKey runs HKDF-SHA256 over the shared secret, salted with the
// service id, to produce a 32-byte HMAC key unique to this service.
func (c *Config) deriveKey() ([]byte, error) {
	var salt [4]byte
	salt[0] = byte(c.ServiceID)
	salt[1] = byte(c.ServiceID >> 8)
	salt[2] = byte(c.ServiceID >> 16)
	salt[3] = byte(c.ServiceID >> 24)
	reader := hkdf.New(sha256.New, c.SharedSecret, salt[:], []byte("flowmesh-wireauth"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("wireauth: derive key: %w", err)
	}
	return key, nil
}

type claims struct {
	jwt.RegisteredClaims
	ServiceID uint32 `json:"sid"`
}

func (c *Config) sign(role string) (string, error) {
	key, err := c.deriveKey()
	if err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   role,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		ServiceID: c.ServiceID,
	})
	return token.SignedString(key)
}

func (c *Config) verify(text string) error {
	key, err := c.deriveKey()
	if err != nil {
		return err
	}
	var parsed claims
	_, err = jwt.ParseWithClaims(text, &parsed, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("wireauth: verify: %w", rfcerr.ErrPeerLost)
	}
	if parsed.ServiceID != c.ServiceID {
		return fmt.Errorf("wireauth: service id mismatch: %w", rfcerr.ErrPeerLost)
	}
	return nil
}

func writeLenPrefixed(conn net.Conn, text string) error {
	if err := wireio.WriteU32(conn, uint32(len(text))); err != nil {
		return err
	}
	return wireio.WriteFull(conn, []byte(text))
}

func readLenPrefixed(conn net.Conn, msecs int) (string, error) {
	n, err := wireio.ReadU32Timeout(conn, msecs)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := wireio.ReadFullTimeout(conn, buf, msecs); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Connect runs the connector side: write service-id and connect-text,
// read the accepter's service-id echo and accept-text, write the ack.
// When authentication is disabled the two sides exchange no bytes and
// Connect returns success immediately.
func (c *Config) Connect(conn net.Conn) error {
	if !c.Enabled {
		return nil
	}
	log := c.logger()
	connectText, err := c.sign("connect")
	if err != nil {
		return err
	}
	if err := wireio.WriteU32(conn, c.ServiceID); err != nil {
		return fmt.Errorf("wireauth: connect: write service id: %w", err)
	}
	if err := writeLenPrefixed(conn, connectText); err != nil {
		return fmt.Errorf("wireauth: connect: write connect-text: %w", err)
	}

	msecs := c.timeoutMsecs()
	echoed, err := wireio.ReadU32Timeout(conn, msecs)
	if err != nil {
		return fmt.Errorf("wireauth: connect: read echo: %w", errors.Join(err, rfcerr.ErrPeerLost))
	}
	if echoed == nackMarker || echoed != c.ServiceID {
		log.Warn("wireauth: connector received NACK or mismatched echo")
		return fmt.Errorf("wireauth: connect: %w", rfcerr.ErrPeerLost)
	}
	acceptText, err := readLenPrefixed(conn, msecs)
	if err != nil {
		return fmt.Errorf("wireauth: connect: read accept-text: %w", errors.Join(err, rfcerr.ErrPeerLost))
	}
	if err := c.verify(acceptText); err != nil {
		return err
	}
	if err := wireio.WriteU32(conn, 1); err != nil {
		return fmt.Errorf("wireauth: connect: write ack: %w", err)
	}
	return nil
}

// Accept runs the accepter side, symmetric to Connect. On any mismatch
// it writes a NACK (a value guaranteed not to equal ServiceID) so the
// peer can abandon the connection quickly, then returns an error.
func (c *Config) Accept(conn net.Conn) error {
	if !c.Enabled {
		return nil
	}
	log := c.logger()
	msecs := c.timeoutMsecs()

	gotServiceID, err := wireio.ReadU32Timeout(conn, msecs)
	if err != nil {
		return fmt.Errorf("wireauth: accept: read service id: %w", errors.Join(err, rfcerr.ErrPeerLost))
	}
	connectText, err := readLenPrefixed(conn, msecs)
	mismatch := err != nil || gotServiceID != c.ServiceID
	if err == nil && !mismatch {
		if verr := c.verify(connectText); verr != nil {
			mismatch = true
		}
	}
	if mismatch {
		log.Warn("wireauth: accepter rejecting connect attempt")
		_ = wireio.WriteU32(conn, nackMarker)
		return fmt.Errorf("wireauth: accept: %w", rfcerr.ErrPeerLost)
	}

	acceptText, err := c.sign("accept")
	if err != nil {
		return err
	}
	if err := wireio.WriteU32(conn, c.ServiceID); err != nil {
		return fmt.Errorf("wireauth: accept: write service id: %w", err)
	}
	if err := writeLenPrefixed(conn, acceptText); err != nil {
		return fmt.Errorf("wireauth: accept: write accept-text: %w", err)
	}

	ack, err := wireio.ReadU32Timeout(conn, msecs)
	if err != nil {
		return fmt.Errorf("wireauth: accept: read ack: %w", errors.Join(err, rfcerr.ErrPeerLost))
	}
	if ack != 1 {
		return fmt.Errorf("wireauth: accept: bad ack %d: %w", ack, rfcerr.ErrProtocol)
	}
	return nil
}

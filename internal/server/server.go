// Package server implements the backend half of the pool: a single
// authenticated PostgreSQL connection, its protocol state, and the
// convenience operations the pool and client engine drive it with.
package server

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pgdog/pgdog/internal/wire"
)

// TxState mirrors the ReadyForQuery transaction-status byte.
type TxState byte

const (
	TxIdle  TxState = wire.TxIdle
	TxInTx  TxState = wire.TxInTransaction
	TxError TxState = wire.TxError
)

// Options describes how to authenticate against a backend address.
type Options struct {
	Host     string
	Port     int
	User     string
	Database string
	Password string
	// AuthType is not consulted by Connect: authentication always
	// follows whichever method the server challenges with.
	AuthType string
	DialTimeout time.Duration
}

// Server is one authenticated backend session: a TCP stream, its read
// buffer, and the bookkeeping the pool/engine need across checkouts.
type Server struct {
	conn net.Conn
	addr string

	BackendPID uint32
	BackendKey uint32
	Params     map[string]string

	tx TxState

	// PreparedNames is allocated for each connection; no code path in
	// this package records prepared-statement names in it.
	PreparedNames map[string]bool

	// ChangedParams accumulates ParameterStatus updates seen since the
	// last time the owning guard consulted them.
	ChangedParams map[string]string

	lastHealthcheck time.Time
	createdAt       time.Time
	outOfSync       bool
	closed          bool
}

var (
	ErrNotInSync  = errors.New("server: not in sync")
	ErrAuthFailed = errors.New("server: authentication failed")
)

// ExecutionError wraps a backend ErrorResponse surfaced to a caller.
type ExecutionError struct {
	Code     string
	Severity string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

// Wrap constructs a Server around a connection that has already
// completed its handshake out of band, for admin/test harnesses that
// inject a ready connection directly (the db-bouncer example's
// NewPooledConn/SetAuthenticated pair does the same thing for its
// pool's test helpers).
func Wrap(conn net.Conn, addr string, pid, key uint32, params map[string]string) *Server {
	if params == nil {
		params = map[string]string{}
	}
	return &Server{
		conn:          conn,
		addr:          addr,
		BackendPID:    pid,
		BackendKey:    key,
		Params:        params,
		PreparedNames: map[string]bool{},
		ChangedParams: map[string]string{},
		createdAt:     time.Now(),
		tx:            TxIdle,
	}
}

// Connect dials addr, performs the startup handshake and authentication,
// and collects ParameterStatus/BackendKeyData up to the first
// ReadyForQuery.
func Connect(opts Options) (*Server, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}

	s := &Server{
		conn:          conn,
		addr:          addr,
		Params:        map[string]string{},
		PreparedNames: map[string]bool{},
		ChangedParams: map[string]string{},
		createdAt:     time.Now(),
		tx:            TxIdle,
	}

	if err := s.startup(opts); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) startup(opts Options) error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	body = append(body, "user\x00"...)
	body = append(body, opts.User+"\x00"...)
	body = append(body, "database\x00"...)
	body = append(body, opts.Database+"\x00"...)
	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	if _, err := s.conn.Write(append(msgLen, body...)); err != nil {
		return fmt.Errorf("server: send startup: %w", err)
	}

	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("server: read during startup: %w", err)
		}
		switch msg.Type {
		case wire.Authentication:
			if len(msg.Body) < 4 {
				return fmt.Errorf("server: %w: short auth message", ErrAuthFailed)
			}
			authType := binary.BigEndian.Uint32(msg.Body[:4])
			switch authType {
			case wire.AuthOk:
				continue
			case wire.AuthCleartextPassword:
				if err := s.sendPassword(opts.Password); err != nil {
					return err
				}
			case wire.AuthMD5Password:
				if len(msg.Body) < 8 {
					return fmt.Errorf("server: %w: short md5 salt", ErrAuthFailed)
				}
				salt := msg.Body[4:8]
				if err := s.sendPassword(md5Password(opts.User, opts.Password, salt)); err != nil {
					return err
				}
			case wire.AuthSASL:
				if err := s.scramAuth(opts.Password); err != nil {
					return fmt.Errorf("server: %w: scram: %v", ErrAuthFailed, err)
				}
			default:
				return fmt.Errorf("server: %w: unsupported auth type %d", ErrAuthFailed, authType)
			}
		case wire.ParameterStatus:
			parts := strings.SplitN(string(msg.Body), "\x00", 2)
			if len(parts) == 2 {
				s.Params[parts[0]] = strings.TrimRight(parts[1], "\x00")
			}
		case wire.BackendKeyData:
			if len(msg.Body) >= 8 {
				s.BackendPID = binary.BigEndian.Uint32(msg.Body[0:4])
				s.BackendKey = binary.BigEndian.Uint32(msg.Body[4:8])
			}
		case wire.ReadyForQuery:
			if len(msg.Body) >= 1 {
				s.tx = TxState(msg.Body[0])
			}
			return nil
		case wire.ErrorResponse:
			return fmt.Errorf("server: %w: %s", ErrAuthFailed, parseErrorMessage(msg.Body))
		default:
			continue
		}
	}
}

func (s *Server) sendPassword(password string) error {
	return wire.WriteMessage(s.conn, wire.PasswordMessage, append([]byte(password), 0))
}

func md5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// scramAuth performs a minimal SCRAM-SHA-256 exchange (RFC 5802) against
// a server that has just sent AuthenticationSASL.
func (s *Server) scramAuth(password string) error {
	clientNonce := randNonce()
	clientFirstBare := fmt.Sprintf("n=,r=%s", clientNonce)
	clientFirst := "n,," + clientFirstBare

	if err := wire.WriteMessage(s.conn, wire.PasswordMessage, saslInitialResponse("SCRAM-SHA-256", clientFirst)); err != nil {
		return err
	}

	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	if msg.Type != wire.Authentication {
		return fmt.Errorf("expected SASLContinue, got %c", msg.Type)
	}
	authType := binary.BigEndian.Uint32(msg.Body[:4])
	if authType != wire.AuthSASLContinue {
		return fmt.Errorf("unexpected auth subtype %d", authType)
	}
	serverFirst := string(msg.Body[4:])
	fields := parseSCRAMFields(serverFirst)
	serverNonce := fields["r"]
	salt, err := base64.StdEncoding.DecodeString(fields["s"])
	if err != nil {
		return fmt.Errorf("bad salt: %w", err)
	}
	var iterCount int
	fmt.Sscanf(fields["i"], "%d", &iterCount)

	saltedPassword := pbkdf2SHA256(password, salt, iterCount, sha256.Size)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	clientFinalNoProof := fmt.Sprintf("c=biws,r=%s", serverNonce)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalNoProof
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := wire.WriteMessage(s.conn, wire.PasswordMessage, []byte(clientFinal)); err != nil {
		return err
	}

	msg, err = wire.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	if msg.Type != wire.Authentication {
		return fmt.Errorf("expected SASLFinal, got %c", msg.Type)
	}
	authType = binary.BigEndian.Uint32(msg.Body[:4])
	if authType != wire.AuthSASLFinal {
		return fmt.Errorf("unexpected final auth subtype %d", authType)
	}

	msg, err = wire.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	if msg.Type != wire.Authentication || binary.BigEndian.Uint32(msg.Body[:4]) != wire.AuthOk {
		return fmt.Errorf("expected AuthenticationOk after SASLFinal")
	}
	return nil
}

func saslInitialResponse(mechanism, clientFirst string) []byte {
	var buf []byte
	buf = append(buf, mechanism...)
	buf = append(buf, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirst)))
	buf = append(buf, lenBuf...)
	buf = append(buf, clientFirst...)
	return buf
}

func parseSCRAMFields(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func randNonce() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawStdEncoding.EncodeToString(b)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func pbkdf2SHA256(password string, salt []byte, iter, keyLen int) []byte {
	// Minimal PBKDF2-HMAC-SHA256, avoiding an extra dependency for a
	// single call site.
	u := hmacSHA256WithSalt([]byte(password), salt, 1)
	result := append([]byte(nil), u...)
	for i := 2; i <= iter; i++ {
		u = hmacSHA256([]byte(password), u)
		for j := range result {
			result[j] ^= u[j]
		}
	}
	return result[:keyLen]
}

func hmacSHA256WithSalt(password, salt []byte, blockIndex uint32) []byte {
	mac := hmac.New(sha256.New, password)
	mac.Write(salt)
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, blockIndex)
	mac.Write(idx)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end + 1
	}
	return "unknown error"
}

// Conn returns the underlying connection, for raw forwarding by the
// client engine.
func (s *Server) Conn() net.Conn { return s.conn }

// TxStatus returns the last observed transaction status byte.
func (s *Server) TxStatus() TxState { return s.tx }

// InTransaction reports whether the backend believes it is inside a
// transaction block.
func (s *Server) InTransaction() bool { return s.tx == TxInTx }

// Age returns how long this connection has been open.
func (s *Server) Age() time.Duration { return time.Since(s.createdAt) }

// HealthcheckAge returns the time since the last successful healthcheck.
func (s *Server) HealthcheckAge(now time.Time) time.Duration {
	if s.lastHealthcheck.IsZero() {
		return now.Sub(s.createdAt)
	}
	return now.Sub(s.lastHealthcheck)
}

// Send forwards one frontend message as-is to the backend.
func (s *Server) Send(msgType byte, body []byte) error {
	return wire.WriteMessage(s.conn, msgType, body)
}

// Read reads one backend message and updates transaction/param state.
func (s *Server) Read() (wire.Message, error) {
	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return msg, err
	}
	switch msg.Type {
	case wire.ReadyForQuery:
		if len(msg.Body) >= 1 {
			s.tx = TxState(msg.Body[0])
		}
	case wire.ParameterStatus:
		parts := strings.SplitN(string(msg.Body), "\x00", 2)
		if len(parts) == 2 {
			v := strings.TrimRight(parts[1], "\x00")
			s.Params[parts[0]] = v
			s.ChangedParams[parts[0]] = v
		}
	case wire.ErrorResponse:
		return msg, nil // caller decides how to interpret; not a transport error
	}
	return msg, nil
}

// Execute runs a simple-protocol query and collects all resulting
// messages through ReadyForQuery. Used by healthchecks and schema loads.
func (s *Server) Execute(sql string) ([]wire.Message, error) {
	if err := s.Send(wire.Query, append([]byte(sql), 0)); err != nil {
		return nil, err
	}
	var out []wire.Message
	for {
		msg, err := s.Read()
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		if msg.Type == wire.ReadyForQuery {
			return out, nil
		}
	}
}

// Healthcheck issues a no-op simple query and expects ReadyForQuery.
func (s *Server) Healthcheck(query string) error {
	if query == "" {
		query = "SELECT 1"
	}
	_, err := s.Execute(query)
	if err == nil {
		s.lastHealthcheck = time.Now()
	}
	return err
}

// Rollback issues ROLLBACK if the backend believes it's mid-transaction.
func (s *Server) Rollback() error {
	if !s.InTransaction() && s.tx != TxError {
		return nil
	}
	_, err := s.Execute("ROLLBACK")
	return err
}

// Drain consumes any outstanding messages left by a half-finished
// extended-protocol round, issuing a Sync if needed so the connection
// returns to a known ReadyForQuery state before it's recycled.
func (s *Server) Drain() error {
	if !s.outOfSync {
		return nil
	}
	if err := s.Send(wire.Sync, nil); err != nil {
		return err
	}
	for {
		msg, err := s.Read()
		if err != nil {
			return err
		}
		if msg.Type == wire.ReadyForQuery {
			s.outOfSync = false
			return nil
		}
	}
}

// MarkOutOfSync flags that an extended-protocol round was interrupted
// and a Sync is owed before reuse.
func (s *Server) MarkOutOfSync() { s.outOfSync = true }

// Close tears down the backend connection.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = wire.WriteMessage(s.conn, wire.Terminate, nil)
	return s.conn.Close()
}

// Closed reports whether Close has already run.
func (s *Server) Closed() bool { return s.closed }

// Addr returns the dial address this server connected to.
func (s *Server) Addr() string { return s.addr }

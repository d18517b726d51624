package server

import (
	"crypto/md5"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strings"

	"pgrelay/config"
	"pgrelay/pgwire"
	"pgrelay/version"
)

// Emulator answers the Postgres protocol without a database behind it.
// It performs the startup handshake, optionally challenges for a
// password, and replies to simple and extended queries with canned
// results. Every credential and every statement is logged, which is the
// point when it runs as a honeypot.
type Emulator struct {
	cfg *config.Config

	// OnQuery, when set, observes every SQL text the client sends
	// (simple Query and extended Parse alike).
	OnQuery func(sql string)
}

// NewEmulator creates an emulator with the given configuration.
func NewEmulator(cfg *config.Config) *Emulator {
	return &Emulator{cfg: cfg}
}

// HandleConn runs the full connection lifecycle and closes the
// connection on return. It satisfies ConnHandler.
func (e *Emulator) HandleConn(conn net.Conn) {
	defer conn.Close()

	st := &emulatorSession{cfg: e.cfg, remote: conn.RemoteAddr(), onQuery: e.OnQuery}
	sess, err := Bind(conn, st.handle)
	if err != nil {
		log.Printf("connection %s: bind: %v", conn.RemoteAddr(), err)
		return
	}
	if err := sess.Serve(); err != nil {
		log.Printf("connection %s: %v", conn.RemoteAddr(), err)
	}
	log.Printf("connection %s: disconnected", conn.RemoteAddr())
}

type emulatorSession struct {
	cfg     *config.Config
	remote  net.Addr
	onQuery func(sql string)

	user          string
	salt          [4]byte
	authenticated bool
	copying       bool
}

func (s *emulatorSession) handle(cmd pgwire.Command, raw []byte, w *pgwire.ResponseEncoder) error {
	switch m := cmd.(type) {
	case *pgwire.SSLRequest:
		if err := w.WriteSSLRefuse(); err != nil {
			return err
		}
		return w.Flush()

	case *pgwire.CancelRequest:
		log.Printf("connection %s: cancel request for pid %d", s.remote, m.ProcessID)
		return ErrCloseSession

	case *pgwire.StartupMessage:
		return s.startup(m, w)

	case *pgwire.PasswordMessage:
		return s.checkPassword(m.Password, w)

	case *pgwire.Query:
		return s.handleQuery(m.Query, w)

	case *pgwire.Parse:
		if s.onQuery != nil {
			s.onQuery(m.Query)
		}
		log.Printf("connection %s: parse %q: %s", s.remote, m.Name, m.Query)
		return w.WriteParseComplete()

	case *pgwire.Bind:
		return w.WriteBindComplete()

	case *pgwire.PortalOp:
		if m.Kind == pgwire.OpClose {
			return w.WriteCloseComplete()
		}
		return w.WriteNoData()

	case *pgwire.Execute:
		return w.WriteCommandComplete("SELECT 0")

	case *pgwire.Sync:
		return s.sendReady(w)

	case *pgwire.Flush:
		return w.Flush()

	case *pgwire.Terminate:
		return ErrCloseSession

	case *pgwire.CopyData:
		log.Printf("connection %s: copy chunk (%d bytes)", s.remote, len(m.Data))
		return nil

	case *pgwire.CopyDone:
		s.copying = false
		if err := w.WriteCommandComplete("COPY 0"); err != nil {
			return err
		}
		return s.sendReady(w)

	case *pgwire.CopyFail:
		s.copying = false
		if err := w.WriteErrorResponse("ERROR", "57014", m.Message); err != nil {
			return err
		}
		return s.sendReady(w)

	default:
		log.Printf("connection %s: unsupported command %T", s.remote, cmd)
		return nil
	}
}

// startup answers the startup packet per the configured auth method.
func (s *emulatorSession) startup(m *pgwire.StartupMessage, w *pgwire.ResponseEncoder) error {
	s.user = m.Options["user"]
	log.Printf("connection %s: startup user=%q database=%q", s.remote, s.user, m.Options["database"])

	switch s.cfg.Auth {
	case config.AuthCleartext:
		if err := w.WriteAuthCleartextPassword(); err != nil {
			return err
		}
		return w.Flush()
	case config.AuthMD5:
		if _, err := crand.Read(s.salt[:]); err != nil {
			return err
		}
		if err := w.WriteAuthMD5Password(s.salt); err != nil {
			return err
		}
		return w.Flush()
	default:
		return s.finishAuth(w)
	}
}

// checkPassword verifies the password response against the configured
// credentials. The received secret is always logged first.
func (s *emulatorSession) checkPassword(password string, w *pgwire.ResponseEncoder) error {
	log.Printf("connection %s: auth response user=%q secret=%q", s.remote, s.user, password)

	ok := false
	switch s.cfg.Auth {
	case config.AuthCleartext:
		ok = s.user == s.cfg.User && password == s.cfg.Password
	case config.AuthMD5:
		ok = s.user == s.cfg.User && password == md5Digest(s.cfg.User, s.cfg.Password, s.salt)
	}
	if !ok {
		w.WriteErrorResponse("FATAL", "28P01", fmt.Sprintf("password authentication failed for user %q", s.user))
		w.Flush()
		return ErrCloseSession
	}
	return s.finishAuth(w)
}

// finishAuth sends the post-auth preamble: AuthenticationOk, the server
// parameters, the cancel key and the first ReadyForQuery.
func (s *emulatorSession) finishAuth(w *pgwire.ResponseEncoder) error {
	if err := w.WriteAuthOk(); err != nil {
		return err
	}
	serverParams := [][2]string{
		{"server_version", version.Server()},
		{"server_encoding", "UTF8"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
	}
	for _, p := range serverParams {
		if err := w.WriteParameterStatus(p[0], p[1]); err != nil {
			return err
		}
	}
	if err := w.WriteBackendKeyData(uint32(os.Getpid()), rand.Uint32()); err != nil {
		return err
	}
	s.authenticated = true
	return s.sendReady(w)
}

// handleQuery answers a simple-protocol query with a canned result.
func (s *emulatorSession) handleQuery(query string, w *pgwire.ResponseEncoder) error {
	if s.onQuery != nil {
		s.onQuery(query)
	}
	log.Printf("connection %s: query: %s", s.remote, query)
	query = strings.TrimSpace(query)

	if query == "" {
		if err := w.WriteEmptyQueryResponse(); err != nil {
			return err
		}
		return s.sendReady(w)
	}

	// SET commands arrive from psql during startup; acknowledge without
	// pretending to evaluate them.
	if strings.HasPrefix(strings.ToUpper(query), "SET") {
		if err := w.WriteCommandComplete("SET"); err != nil {
			return err
		}
		return s.sendReady(w)
	}

	fields := []pgwire.FieldDesc{{
		Name:         "?column?",
		DataTypeOID:  25, // text
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       pgwire.FormatText,
	}}
	if err := w.WriteRowDescription(fields); err != nil {
		return err
	}
	if err := w.WriteDataRow([][]byte{[]byte("1")}); err != nil {
		return err
	}
	if err := w.WriteCommandComplete("SELECT 1"); err != nil {
		return err
	}
	return s.sendReady(w)
}

// sendReady sends ReadyForQuery and flushes the write buffer.
func (s *emulatorSession) sendReady(w *pgwire.ResponseEncoder) error {
	if err := w.WriteReadyForQuery(pgwire.TxIdle); err != nil {
		return err
	}
	return w.Flush()
}

// md5Digest computes the wire form of a salted md5 password:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func md5Digest(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pgrelay/config"
	"pgrelay/pgwire"
	"pgrelay/server"
)

// wireClient drives the client side of a piped session with the real
// codecs, mirroring what psql or pgx would put on the socket.
type wireClient struct {
	t    *testing.T
	conn net.Conn
	enc  *pgwire.CommandEncoder
	dec  *pgwire.ResponseDecoder

	queue []pgwire.Response
}

func newWireClient(t *testing.T, conn net.Conn) *wireClient {
	t.Helper()
	dec, err := pgwire.NewResponseDecoder(pgwire.FormatText)
	if err != nil {
		t.Fatal(err)
	}
	return &wireClient{t: t, conn: conn, enc: pgwire.NewCommandEncoder(conn), dec: dec}
}

func (c *wireClient) send(cmds ...pgwire.Command) {
	c.t.Helper()
	for _, cmd := range cmds {
		if err := c.enc.WriteCommand(cmd); err != nil {
			c.t.Fatalf("send %T: %v", cmd, err)
		}
	}
	if err := c.enc.Flush(); err != nil {
		c.t.Fatal(err)
	}
}

func (c *wireClient) recv() pgwire.Response {
	c.t.Helper()
	buf := make([]byte, 4096)
	for len(c.queue) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if n > 0 {
			perr := c.dec.Parse(buf[:n], func(resp pgwire.Response, raw []byte) error {
				c.queue = append(c.queue, resp)
				return nil
			})
			if perr != nil {
				c.t.Fatalf("decode response: %v", perr)
			}
		}
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
	}
	resp := c.queue[0]
	c.queue = c.queue[1:]
	return resp
}

func (c *wireClient) recvUntilReady() []pgwire.Response {
	c.t.Helper()
	var resps []pgwire.Response
	for {
		resp := c.recv()
		resps = append(resps, resp)
		if _, ok := resp.(*pgwire.ReadyForQuery); ok {
			return resps
		}
	}
}

type queryLog struct {
	mu   sync.Mutex
	sqls []string
}

func (q *queryLog) record(sql string) {
	q.mu.Lock()
	q.sqls = append(q.sqls, sql)
	q.mu.Unlock()
}

func (q *queryLog) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.sqls...)
}

// startProxySession wires a client pipe to a proxy whose dialer spawns a
// fresh emulator for every upstream connection.
func startProxySession(t *testing.T, hooks Hooks) (*wireClient, *queryLog) {
	t.Helper()
	queries := &queryLog{}
	dial := func() (net.Conn, error) {
		upClient, upServer := net.Pipe()
		emu := server.NewEmulator(&config.Config{
			Mode: config.ModeEmulate, User: "admin", Auth: config.AuthTrust,
		})
		emu.OnQuery = queries.record
		go emu.HandleConn(upServer)
		return upClient, nil
	}

	clientConn, proxyConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go NewWithDialer(dial, hooks).HandleConn(proxyConn)

	return newWireClient(t, clientConn), queries
}

func startup() *pgwire.StartupMessage {
	return &pgwire.StartupMessage{Major: 3, Minor: 0, Options: map[string]string{"user": "admin", "database": "app"}}
}

func expectPreamble(t *testing.T, c *wireClient) {
	t.Helper()
	auth, ok := c.recv().(*pgwire.Authentication)
	if !ok || auth.Kind != pgwire.AuthOk {
		t.Fatalf("expected AuthenticationOk, got %#v", auth)
	}
	c.recvUntilReady()
}

func runQuery(t *testing.T, c *wireClient, sql string) []pgwire.Response {
	t.Helper()
	c.send(&pgwire.Query{Query: sql})
	return c.recvUntilReady()
}

func TestProxyPassThrough(t *testing.T) {
	c, _ := startProxySession(t, Hooks{})

	c.send(startup())
	expectPreamble(t, c)

	resps := runQuery(t, c, "SELECT 1")
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}
	row := resps[1].(*pgwire.DataRow)
	if string(row.Fields[0]) != "1" {
		t.Fatalf("row = %q", row.Fields[0])
	}
	if cc := resps[2].(*pgwire.CommandComplete); cc.Tag != "SELECT 1" {
		t.Fatalf("tag = %q", cc.Tag)
	}
}

func TestProxySSLProbeAnsweredLocally(t *testing.T) {
	c, _ := startProxySession(t, Hooks{})

	if err := c.enc.WriteSSLRequest(); err != nil {
		t.Fatal(err)
	}
	if err := c.enc.Flush(); err != nil {
		t.Fatal(err)
	}

	refuse := make([]byte, 1)
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.conn.Read(refuse); err != nil {
		t.Fatal(err)
	}
	if refuse[0] != 'N' {
		t.Fatalf("SSL answer = %q, want N", refuse[0])
	}

	c.send(startup())
	expectPreamble(t, c)
}

func TestProxyRewrite(t *testing.T) {
	c, queries := startProxySession(t, QueryHooks(func(sql string) (string, error) {
		return strings.ReplaceAll(sql, "ORIGINAL", "REWRITTEN"), nil
	}))

	c.send(startup())
	expectPreamble(t, c)

	runQuery(t, c, "SELECT 'ORIGINAL'")

	got := queries.all()
	if len(got) != 1 || got[0] != "SELECT 'REWRITTEN'" {
		t.Fatalf("upstream saw %v, want the rewritten text", got)
	}
}

func TestProxyRewriteParse(t *testing.T) {
	c, queries := startProxySession(t, QueryHooks(func(sql string) (string, error) {
		return strings.ReplaceAll(sql, "old_table", "new_table"), nil
	}))

	c.send(startup())
	expectPreamble(t, c)

	c.send(
		&pgwire.Parse{Name: "s1", Query: "SELECT * FROM old_table"},
		&pgwire.Sync{},
	)
	c.recvUntilReady()

	got := queries.all()
	if len(got) != 1 || got[0] != "SELECT * FROM new_table" {
		t.Fatalf("upstream saw %v, want the rewritten statement", got)
	}
}

func TestProxyReject(t *testing.T) {
	c, queries := startProxySession(t, QueryHooks(func(sql string) (string, error) {
		if strings.HasPrefix(strings.ToUpper(sql), "DROP") {
			return "", pgwire.NewWireError("42501", "DROP statements are not allowed")
		}
		return sql, nil
	}))

	c.send(startup())
	expectPreamble(t, c)

	resps := runQuery(t, c, "DROP TABLE users")
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want ErrorResponse and ReadyForQuery", len(resps))
	}
	er := resps[0].(*pgwire.ErrorResponse)
	if er.Fields.Code != "42501" {
		t.Fatalf("code = %q, want 42501", er.Fields.Code)
	}
	if len(queries.all()) != 0 {
		t.Fatal("rejected statement reached the upstream")
	}

	// The session must stay usable after a rejection.
	resps = runQuery(t, c, "SELECT 1")
	if _, ok := resps[0].(*pgwire.RowDescription); !ok {
		t.Fatalf("post-rejection response = %T", resps[0])
	}
	if got := queries.all(); len(got) != 1 || got[0] != "SELECT 1" {
		t.Fatalf("upstream saw %v after rejection", got)
	}
}

func TestProxyInterceptorPanicBecomesRejection(t *testing.T) {
	c, _ := startProxySession(t, QueryHooks(func(sql string) (string, error) {
		panic("interceptor bug")
	}))

	c.send(startup())
	expectPreamble(t, c)

	resps := runQuery(t, c, "SELECT 1")
	er, ok := resps[0].(*pgwire.ErrorResponse)
	if !ok {
		t.Fatalf("response = %T, want *ErrorResponse", resps[0])
	}
	if !strings.Contains(er.Fields.Message, "panicked") {
		t.Fatalf("message = %q", er.Fields.Message)
	}
}

func TestProxyFragmentedDelivery(t *testing.T) {
	c, _ := startProxySession(t, Hooks{})

	// Deliver the startup packet and a query in deliberately awkward
	// chunks; the relay must reassemble them before forwarding.
	var raw bytes.Buffer
	enc := pgwire.NewCommandEncoder(&raw)
	if err := enc.WriteStartup(startup()); err != nil {
		t.Fatal(err)
	}
	if err := enc.WriteQuery("SELECT 1"); err != nil {
		t.Fatal(err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}

	stream := raw.Bytes()
	go func() {
		for off := 0; off < len(stream); off += 3 {
			end := off + 3
			if end > len(stream) {
				end = len(stream)
			}
			if _, err := c.conn.Write(stream[off:end]); err != nil {
				return
			}
		}
	}()

	expectPreamble(t, c)
	resps := c.recvUntilReady()
	if cc, ok := resps[2].(*pgwire.CommandComplete); !ok || cc.Tag != "SELECT 1" {
		t.Fatalf("responses = %#v", resps)
	}
}

func TestProxyCopyPassthrough(t *testing.T) {
	c, _ := startProxySession(t, Hooks{})

	c.send(startup())
	expectPreamble(t, c)

	c.send(
		&pgwire.CopyData{Data: []byte("1\talice\n")},
		&pgwire.CopyData{Data: []byte("2\tbob\n")},
		&pgwire.CopyDone{},
	)
	resps := c.recvUntilReady()
	cc, ok := resps[0].(*pgwire.CommandComplete)
	if !ok || cc.Tag != "COPY 0" {
		t.Fatalf("first response = %#v, want CommandComplete COPY 0", resps[0])
	}
}

func TestProxyConnectRefusal(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()

	hooks := Hooks{
		OnConnect: func(addr net.Addr) error {
			return pgwire.NewWireError("28000", "client address not allowed")
		},
	}
	go NewWithDialer(func() (net.Conn, error) {
		t.Error("dialed upstream despite connect refusal")
		return nil, errors.New("unreachable")
	}, hooks).HandleConn(proxyConn)

	c := newWireClient(t, clientConn)
	er, ok := c.recv().(*pgwire.ErrorResponse)
	if !ok {
		t.Fatal("expected ErrorResponse")
	}
	if er.Fields.Code != "28000" {
		t.Fatalf("code = %q, want 28000", er.Fields.Code)
	}
}

func TestProxyUpstreamDialFailure(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()

	go NewWithDialer(func() (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}, Hooks{}).HandleConn(proxyConn)

	c := newWireClient(t, clientConn)
	er, ok := c.recv().(*pgwire.ErrorResponse)
	if !ok {
		t.Fatal("expected ErrorResponse")
	}
	if er.Fields.Code != "08006" {
		t.Fatalf("code = %q, want 08006", er.Fields.Code)
	}
	if er.Fields.Severity != "FATAL" {
		t.Fatalf("severity = %q, want FATAL", er.Fields.Severity)
	}
}

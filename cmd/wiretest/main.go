package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"pgrelay/config"
	"pgrelay/proxy"
	"pgrelay/server"
)

func main() {
	fmt.Println("pgrelay wire test")
	fmt.Println("=================")

	emuPort, emuQueries, shutdownEmu := startEmulator(config.AuthTrust)
	defer shutdownEmu()

	fmt.Printf("Emulator on port %d...\n\n", emuPort)

	passed, failed := 0, 0
	for _, sc := range []struct {
		name string
		fn   func() bool
	}{
		{"Handshake and canned query", func() bool { return scenarioHandshake(emuPort) }},
		{"SET acknowledged", func() bool { return scenarioSet(emuPort) }},
		{"Concurrent sessions", func() bool { return scenarioConcurrent(emuPort) }},
		{"Password auth", scenarioAuth},
		{"Proxy pass-through", func() bool { return scenarioProxyPass(emuPort) }},
		{"Proxy rewrite", func() bool { return scenarioProxyRewrite(emuPort, emuQueries) }},
		{"Proxy reject", func() bool { return scenarioProxyReject(emuPort) }},
	} {
		if sc.fn() {
			passed++
		} else {
			failed++
		}
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// startEmulator runs an emulator on an OS-assigned port and returns the
// port, a sink recording every observed SQL text, and a shutdown func.
func startEmulator(auth string) (port int, queries *queryLog, shutdown func()) {
	cfg := &config.Config{
		Mode:     config.ModeEmulate,
		Port:     0,
		User:     "admin",
		Password: "test",
		Auth:     auth,
	}

	queries = &queryLog{}
	emu := server.NewEmulator(cfg)
	emu.OnQuery = queries.record

	srv := server.New(cfg, emu.HandleConn)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			fatalf("emulator: %v", err)
		}
	}()

	port = waitForAddr(srv)
	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return port, queries, shutdown
}

// startProxy runs a proxy in front of the given upstream port.
func startProxy(upstreamPort int, onQuery proxy.OnQueryFunc) (port int, shutdown func()) {
	cfg := &config.Config{Mode: config.ModeProxy, Port: 0}
	upstream := fmt.Sprintf("127.0.0.1:%d", upstreamPort)

	var p *proxy.Proxy
	if onQuery != nil {
		p = proxy.NewSimple(upstream, onQuery)
	} else {
		p = proxy.New(upstream, proxy.Hooks{})
	}

	srv := server.New(cfg, p.HandleConn)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			fatalf("proxy: %v", err)
		}
	}()

	port = waitForAddr(srv)
	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return port, shutdown
}

func waitForAddr(srv *server.Server) int {
	for i := 0; i < 100; i++ {
		if addr := srv.Addr(); addr != nil {
			return addr.(*net.TCPAddr).Port
		}
		time.Sleep(10 * time.Millisecond)
	}
	fatalf("server did not start within 1s")
	return 0
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

func (q *queryLog) contains(sql string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.sqls {
		if s == sql {
			return true
		}
	}
	return false
}

func connect(port int, password string) (*pgx.Conn, error) {
	connStr := fmt.Sprintf("host=127.0.0.1 port=%d user=admin password=%s sslmode=disable", port, password)
	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	// The emulator answers Parse without a ParameterDescription, so
	// extended-protocol describe round trips would stall pgx.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return pgx.ConnectConfig(context.Background(), cfg)
}

func mustConnect(port int) *pgx.Conn {
	conn, err := connect(port, "test")
	if err != nil {
		fatalf("connect: %v", err)
	}
	return conn
}

func scenarioHandshake(port int) bool {
	start := time.Now()
	conn := mustConnect(port)
	defer conn.Close(context.Background())

	var v string
	if err := conn.QueryRow(context.Background(), "SELECT 1").Scan(&v); err != nil {
		return fail("Handshake and canned query", "query: %v", err)
	}
	if v != "1" {
		return fail("Handshake and canned query", "got %q, want \"1\"", v)
	}
	return pass("Handshake and canned query", "startup, auth and SELECT round trip", time.Since(start))
}

func scenarioSet(port int) bool {
	start := time.Now()
	conn := mustConnect(port)
	defer conn.Close(context.Background())

	tag, err := conn.Exec(context.Background(), "SET client_min_messages TO warning")
	if err != nil {
		return fail("SET acknowledged", "exec: %v", err)
	}
	if tag.String() != "SET" {
		return fail("SET acknowledged", "tag %q, want SET", tag.String())
	}
	return pass("SET acknowledged", "SET answered without evaluation", time.Since(start))
}

func scenarioConcurrent(port int) bool {
	start := time.Now()
	const goroutines = 10
	const queriesPerGoroutine = 20

	var wg sync.WaitGroup
	var errCount atomic.Int64

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := connect(port, "test")
			if err != nil {
				errCount.Add(queriesPerGoroutine)
				return
			}
			defer conn.Close(context.Background())

			for q := 0; q < queriesPerGoroutine; q++ {
				var v string
				if err := conn.QueryRow(context.Background(), "SELECT 1").Scan(&v); err != nil || v != "1" {
					errCount.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	errs := errCount.Load()
	total := goroutines * queriesPerGoroutine
	if errs > 0 {
		return fail("Concurrent sessions", "%d errors out of %d queries", errs, total)
	}
	return pass("Concurrent sessions",
		fmt.Sprintf("%d goroutines × %d queries = %d total, 0 errors", goroutines, queriesPerGoroutine, total),
		time.Since(start))
}

func scenarioAuth() bool {
	start := time.Now()
	port, _, shutdown := startEmulator(config.AuthMD5)
	defer shutdown()

	conn, err := connect(port, "test")
	if err != nil {
		return fail("Password auth", "md5 connect with right password: %v", err)
	}
	conn.Close(context.Background())

	if _, err := connect(port, "wrong"); err == nil {
		return fail("Password auth", "wrong password accepted")
	} else if !strings.Contains(err.Error(), "28P01") {
		return fail("Password auth", "wrong password error %v, want 28P01", err)
	}
	return pass("Password auth", "md5 challenge verified, bad password refused", time.Since(start))
}

func scenarioProxyPass(emuPort int) bool {
	start := time.Now()
	port, shutdown := startProxy(emuPort, nil)
	defer shutdown()

	conn := mustConnect(port)
	defer conn.Close(context.Background())

	var v string
	if err := conn.QueryRow(context.Background(), "SELECT 1").Scan(&v); err != nil {
		return fail("Proxy pass-through", "query: %v", err)
	}
	if v != "1" {
		return fail("Proxy pass-through", "got %q, want \"1\"", v)
	}
	return pass("Proxy pass-through", "full session relayed through the proxy", time.Since(start))
}

func scenarioProxyRewrite(emuPort int, emuQueries *queryLog) bool {
	start := time.Now()
	port, shutdown := startProxy(emuPort, func(sql string) (string, error) {
		return strings.ReplaceAll(sql, "ORIGINAL", "REWRITTEN"), nil
	})
	defer shutdown()

	conn := mustConnect(port)
	defer conn.Close(context.Background())

	if _, err := conn.Exec(context.Background(), "SELECT 'ORIGINAL'"); err != nil {
		return fail("Proxy rewrite", "exec: %v", err)
	}
	if !emuQueries.contains("SELECT 'REWRITTEN'") {
		return fail("Proxy rewrite", "upstream never saw the rewritten text")
	}
	if emuQueries.contains("SELECT 'ORIGINAL'") {
		return fail("Proxy rewrite", "upstream saw the original text")
	}
	return pass("Proxy rewrite", "interceptor substituted the forwarded SQL", time.Since(start))
}

func scenarioProxyReject(emuPort int) bool {
	start := time.Now()
	port, shutdown := startProxy(emuPort, func(sql string) (string, error) {
		if strings.Contains(strings.ToUpper(sql), "DROP") {
			return "", fmt.Errorf("DROP statements are not allowed")
		}
		return sql, nil
	})
	defer shutdown()

	conn := mustConnect(port)
	defer conn.Close(context.Background())

	if _, err := conn.Exec(context.Background(), "DROP TABLE users"); err == nil {
		return fail("Proxy reject", "DROP was not rejected")
	}

	// The session must survive the rejection.
	var v string
	if err := conn.QueryRow(context.Background(), "SELECT 1").Scan(&v); err != nil || v != "1" {
		return fail("Proxy reject", "session dead after rejection: %v", err)
	}
	return pass("Proxy reject", "DROP refused, session stayed usable", time.Since(start))
}

func pass(name, detail string, d time.Duration) bool {
	fmt.Printf("[PASS] %s: %s (%dms)\n", name, detail, d.Milliseconds())
	return true
}

func fail(name, format string, args ...any) bool {
	fmt.Printf("[FAIL] %s: %s\n", name, fmt.Sprintf(format, args...))
	return false
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(2)
}

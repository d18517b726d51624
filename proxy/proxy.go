package proxy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"pgrelay/pgwire"
)

// Conduit gives a hook both directions of a session: the response
// encoder toward the client and the command encoder toward the upstream
// server.
//
// ToClient is shared by both pump goroutines: the response pump relays
// upstream traffic through it while the command pump answers SSL probes
// and hook rejections on it. clientMu serializes those writes; each pump
// holds it for the duration of a hook call, so hooks may use ToClient
// directly.
type Conduit struct {
	ToClient *pgwire.ResponseEncoder
	ToServer *pgwire.CommandEncoder

	clientMu sync.Mutex
}

// Hooks is the capability set a proxy policy can implement. Any nil hook
// falls back to transparent raw-byte forwarding, so a zero Hooks value is
// a pure pass-through proxy.
//
// OnCommand and OnResult receive the exact wire bytes of the message in
// raw; the slice is only valid for the duration of the call. A hook that
// hands raw to another goroutine or stores it must copy it first, since
// the decoder reuses its buffer for the next chunk.
type Hooks struct {
	OnConnect func(clientAddr net.Addr) error
	OnCommand func(cmd pgwire.Command, raw []byte, c *Conduit) error
	OnResult  func(resp pgwire.Response, raw []byte, c *Conduit) error
}

// Proxy relays sessions between Postgres clients and one upstream
// server, decoding both directions and applying the configured hooks.
type Proxy struct {
	upstream string
	dial     func() (net.Conn, error)
	hooks    Hooks
}

// New creates a proxy that dials upstream over TCP for every client.
func New(upstream string, hooks Hooks) *Proxy {
	return &Proxy{
		upstream: upstream,
		dial:     func() (net.Conn, error) { return net.Dial("tcp", upstream) },
		hooks:    hooks,
	}
}

// NewWithDialer creates a proxy with a custom upstream socket factory.
func NewWithDialer(dial func() (net.Conn, error), hooks Hooks) *Proxy {
	return &Proxy{upstream: "custom", dial: dial, hooks: hooks}
}

// HandleConn relays one client connection for its lifetime and closes it
// on return. It satisfies server.ConnHandler.
func (p *Proxy) HandleConn(clientConn net.Conn) {
	defer clientConn.Close()
	remote := clientConn.RemoteAddr()

	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	toClient := pgwire.NewResponseEncoder(clientConn)

	if p.hooks.OnConnect != nil {
		if err := p.hooks.OnConnect(remote); err != nil {
			log.Printf("proxy %s: refused: %v", remote, err)
			toClient.WriteError(err)
			toClient.Flush()
			return
		}
	}

	serverConn, err := p.dial()
	if err != nil {
		log.Printf("proxy %s: upstream dial: %v", remote, err)
		toClient.WriteErrorResponse("FATAL", "08006", fmt.Sprintf("could not connect to upstream %s", p.upstream))
		toClient.Flush()
		return
	}
	defer serverConn.Close()
	if tc, ok := serverConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	conduit := &Conduit{
		ToClient: toClient,
		ToServer: pgwire.NewCommandEncoder(serverConn),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Either side closing tears down the other.
		defer clientConn.Close()
		defer serverConn.Close()
		if err := p.pumpCommands(clientConn, conduit); err != nil {
			log.Printf("proxy %s: client: %v", remote, err)
		}
	}()
	go func() {
		defer wg.Done()
		defer clientConn.Close()
		defer serverConn.Close()
		if err := p.pumpResponses(serverConn, conduit); err != nil {
			log.Printf("proxy %s: upstream: %v", remote, err)
			// Surface the upstream failure before the client socket dies.
			conduit.clientMu.Lock()
			conduit.ToClient.WriteErrorResponse("FATAL", "08006", "upstream connection failure")
			conduit.ToClient.Flush()
			conduit.clientMu.Unlock()
		}
	}()
	wg.Wait()
	log.Printf("proxy %s: session closed", remote)
}

// pumpCommands drives the client → upstream direction. Hook invocations
// are serialized: the decoder does not advance past a message until its
// hook has returned.
func (p *Proxy) pumpCommands(clientConn net.Conn, c *Conduit) error {
	dec, err := pgwire.NewCommandDecoder(pgwire.FormatText)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := clientConn.Read(buf)
		if n > 0 {
			perr := dec.Parse(buf[:n], func(cmd pgwire.Command, raw []byte) error {
				c.clientMu.Lock()
				defer c.clientMu.Unlock()
				// Answer SSL probes locally: forwarding one would make the
				// upstream reply with a bare 'S'/'N' byte, which is not a
				// framed message and would desynchronize the response
				// decoder.
				if _, ok := cmd.(*pgwire.SSLRequest); ok {
					return c.ToClient.WriteSSLRefuse()
				}
				if p.hooks.OnCommand != nil {
					return p.hooks.OnCommand(cmd, raw, c)
				}
				return c.ToServer.WriteRaw(raw)
			})
			if perr != nil {
				return perr
			}
			if err := c.ToServer.Flush(); err != nil {
				return err
			}
			c.clientMu.Lock()
			err := c.ToClient.Flush()
			c.clientMu.Unlock()
			if err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
				return nil
			}
			return rerr
		}
	}
}

// pumpResponses drives the upstream → client direction.
func (p *Proxy) pumpResponses(serverConn net.Conn, c *Conduit) error {
	dec, err := pgwire.NewResponseDecoder(pgwire.FormatText)
	if err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := serverConn.Read(buf)
		if n > 0 {
			perr := dec.Parse(buf[:n], func(resp pgwire.Response, raw []byte) error {
				c.clientMu.Lock()
				defer c.clientMu.Unlock()
				if p.hooks.OnResult != nil {
					return p.hooks.OnResult(resp, raw, c)
				}
				return c.ToClient.WriteRaw(raw)
			})
			if perr != nil {
				return perr
			}
			c.clientMu.Lock()
			err := c.ToClient.Flush()
			c.clientMu.Unlock()
			if err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
				return nil
			}
			return rerr
		}
	}
}

package proxy

import (
	"fmt"

	"pgrelay/pgwire"
)

// OnQueryFunc inspects the SQL of a simple Query or an extended-protocol
// Parse before it reaches the upstream server. It returns the text to
// forward: the input unchanged to pass the query through, or different
// text to rewrite it. Returning a non-nil error rejects the query; the
// client sees an ErrorResponse followed by ReadyForQuery and the
// upstream never sees the statement.
type OnQueryFunc func(sql string) (string, error)

// NewSimple creates a proxy that applies onQuery to every statement and
// forwards everything else untouched. This is the query-interceptor
// application: the session stays up across rejections.
func NewSimple(upstream string, onQuery OnQueryFunc) *Proxy {
	return New(upstream, QueryHooks(onQuery))
}

// QueryHooks adapts an OnQueryFunc into the full Hooks capability set.
func QueryHooks(onQuery OnQueryFunc) Hooks {
	return Hooks{
		OnCommand: func(cmd pgwire.Command, raw []byte, c *Conduit) error {
			switch m := cmd.(type) {
			case *pgwire.Query:
				rewritten, err := callOnQuery(onQuery, m.Query)
				if err != nil {
					return reject(c, err)
				}
				if rewritten == m.Query {
					return c.ToServer.WriteRaw(raw)
				}
				return c.ToServer.WriteQuery(rewritten)

			case *pgwire.Parse:
				rewritten, err := callOnQuery(onQuery, m.Query)
				if err != nil {
					return reject(c, err)
				}
				if rewritten == m.Query {
					return c.ToServer.WriteRaw(raw)
				}
				cp := *m
				cp.Query = rewritten
				return c.ToServer.WriteParse(&cp)

			default:
				return c.ToServer.WriteRaw(raw)
			}
		},
	}
}

// callOnQuery shields the session from a panicking interceptor: the
// panic is converted into a rejection and the session continues.
func callOnQuery(onQuery OnQueryFunc, sql string) (rewritten string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query interceptor panicked: %v", r)
		}
	}()
	return onQuery(sql)
}

// reject reports err to the client and re-arms it for the next command
// without involving the upstream.
func reject(c *Conduit, err error) error {
	if werr := c.ToClient.WriteError(err); werr != nil {
		return werr
	}
	return c.ToClient.WriteReadyForQuery(pgwire.TxIdle)
}

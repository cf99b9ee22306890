// Command peerctl sends one RPC request to a node and prints the response body.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
)

const (
	maxHead = 32 * 1024
	maxBody = 16 * 1024 * 1024
)

var errDial = errors.New("dial")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: peerctl [flags] <command> [args]

commands:
  info                      node and chain tip information
  neighbors                 the node's neighbor sample
  block <index-hash>        fetch a stored block
  tx <hex>                  submit a hex encoded transaction
  available <hash>...       announce blocks available for consensus hashes

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	obs.SetOutput(os.Stderr)
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	req, err := buildRequest(cfg.Node, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	resp, err := fetch(cfg, req)
	if err != nil {
		obs.Error("peerctl.request", obs.Fields{"node": cfg.Node, "uri": req.URI, "err": err})
		os.Exit(1)
	}
	_, _ = os.Stdout.Write(resp.Body)
	if n := len(resp.Body); n > 0 && resp.Body[n-1] != '\n' {
		fmt.Println()
	}
	if resp.Status >= 300 {
		obs.Error("peerctl.status", obs.Fields{"status": resp.Status, "uri": req.URI})
		os.Exit(1)
	}
}

func buildRequest(host string, args []string) (*httpx.Request, error) {
	if len(args) == 0 {
		return nil, errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "info":
		return httpx.NewRequest(http.MethodGet, "/v2/info", host, nil, false), nil
	case "neighbors":
		return httpx.NewRequest(http.MethodGet, "/v2/neighbors", host, nil, false), nil
	case "block":
		if len(rest) != 1 {
			return nil, errors.New("block takes one index hash")
		}
		return httpx.NewRequest(http.MethodGet, "/v2/blocks/"+rest[0], host, nil, false), nil
	case "tx":
		if len(rest) != 1 {
			return nil, errors.New("tx takes one hex encoded transaction")
		}
		req := httpx.NewRequest(http.MethodPost, "/v2/transactions", host, []byte(rest[0]), false)
		req.Headers.Set("Content-Type", "text/plain")
		return req, nil
	case "available":
		if len(rest) == 0 {
			return nil, errors.New("available takes at least one consensus hash")
		}
		body, err := json.Marshal(proto.Availability{ConsensusHashes: rest})
		if err != nil {
			return nil, err
		}
		req := httpx.NewRequest(http.MethodPost, "/v2/blocks/available", host, body, false)
		req.Headers.Set("Content-Type", "application/json")
		return req, nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}

// fetch performs req against c.Node, retrying only when the node cannot be reached.
func fetch(c Config, req *httpx.Request) (*httpx.Response, error) {
	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
	}
	for attempt := 1; ; attempt++ {
		resp, err := roundTrip(c.Node, c.Timeout, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.Attempts || !errors.Is(err, errDial) {
			return nil, err
		}
		wait := b.Duration()
		obs.Warn("peerctl.retry", obs.Fields{"node": c.Node, "attempt": attempt, "err": err, "retry_in": wait.String()})
		time.Sleep(wait)
	}
}

func roundTrip(addr string, timeout time.Duration, req *httpx.Request) (*httpx.Response, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", errDial, addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := req.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	return readResponse(conn)
}

// readResponse reads one response, framed by Content-Length, chunked encoding
// or the end of the stream.
func readResponse(r io.Reader) (*httpx.Response, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	eof := false
	for {
		resp, n, err := httpx.ParseResponseHead(buf, maxHead)
		switch {
		case err == nil:
			body := buf[n:]
			if resp.Headers.Chunked() {
				decoded, _, err := httpx.DecodeChunked(body, maxBody)
				if err == nil {
					resp.Body = decoded
					return resp, nil
				}
				if !errors.Is(err, httpx.ErrIncomplete) {
					return nil, err
				}
				break
			}
			if resp.Headers.Get("Content-Length") == "" {
				if eof {
					resp.Body = body
					return resp, nil
				}
				break
			}
			cl, err := resp.Headers.ContentLength()
			if err != nil {
				return nil, err
			}
			if len(body) >= cl {
				resp.Body = body[:cl]
				return resp, nil
			}
		case !errors.Is(err, httpx.ErrIncomplete):
			return nil, err
		}
		if eof {
			return nil, io.ErrUnexpectedEOF
		}
		if len(buf) > maxHead+maxBody {
			return nil, httpx.ErrTooLarge
		}
		n, err = r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

package main

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		uri    string
		body   string
		ctype  string
	}{
		{args: []string{"info"}, method: http.MethodGet, uri: "/v2/info"},
		{args: []string{"neighbors"}, method: http.MethodGet, uri: "/v2/neighbors"},
		{args: []string{"block", "ab12"}, method: http.MethodGet, uri: "/v2/blocks/ab12"},
		{args: []string{"tx", "00ff"}, method: http.MethodPost, uri: "/v2/transactions", body: "00ff", ctype: "text/plain"},
		{args: []string{"available", "c1", "c2"}, method: http.MethodPost, uri: "/v2/blocks/available", body: `{"consensus_hashes":["c1","c2"]}`, ctype: "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			req, err := buildRequest("node:20443", tt.args)
			require.NoError(t, err)
			require.Equal(t, tt.method, req.Method)
			require.Equal(t, tt.uri, req.URI)
			require.Equal(t, tt.body, string(req.Body))
			require.Equal(t, tt.ctype, req.Headers.Get("Content-Type"))
			require.Equal(t, "node:20443", req.Headers.Get("Host"))
			require.False(t, req.KeepAlive())
		})
	}

	for _, args := range [][]string{nil, {"bogus"}, {"block"}, {"tx", "a", "b"}, {"available"}} {
		_, err := buildRequest("node:20443", args)
		require.Error(t, err, "%v", args)
	}
}

func TestReadResponseFraming(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		body string
	}{
		{name: "content-length", raw: "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello trailing", body: "hello"},
		{name: "chunked", raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhel\r\n2\r\nlo\r\n0\r\n\r\n", body: "hello"},
		{name: "until close", raw: "HTTP/1.1 200 OK\r\n\r\nhello", body: "hello"},
		{name: "empty", raw: "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", body: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := readResponse(iotest.OneByteReader(strings.NewReader(tt.raw)))
			require.NoError(t, err)
			require.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestReadResponseErrors(t *testing.T) {
	_, err := readResponse(strings.NewReader("HTTP/1.1 200 OK\r\nContent-Length: 9\r\n\r\nshort"))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readResponse(strings.NewReader("SSH-2.0-OpenSSH\r\n\r\n"))
	require.ErrorIs(t, err, httpx.ErrMalformed)
}

func TestFetchAgainstNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	seen := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			seen <- err.Error()
			return
		}
		defer c.Close()
		line, _ := bufio.NewReader(c).ReadString('\n')
		seen <- line
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 15\r\nConnection: close\r\n\r\n{\"node_id\":\"a\"}")
	}()

	req, err := buildRequest(ln.Addr().String(), []string{"info"})
	require.NoError(t, err)
	resp, err := fetch(Config{Node: ln.Addr().String(), Timeout: 2 * time.Second, Attempts: 1}, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, `{"node_id":"a"}`, string(resp.Body))
	require.Equal(t, "GET /v2/info HTTP/1.1\r\n", <-seen)
}

func TestFetchGivesUpWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	req, err := buildRequest(addr, []string{"info"})
	require.NoError(t, err)
	_, err = fetch(Config{Node: addr, Timeout: time.Second, Attempts: 2}, req)
	require.Error(t, err)
	require.True(t, errors.Is(err, errDial))
}

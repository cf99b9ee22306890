package main

import (
	"flag"
	"time"
)

// Config holds peerctl runtime configuration.
type Config struct {
	Node     string
	Timeout  time.Duration
	Attempts int
	Debug    bool
}

var cfg Config

func init() {
	registerFlags(flag.CommandLine, &cfg)
}

func registerFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Node, "node", "127.0.0.1:20443", "node RPC address (host:port)")
	fs.DurationVar(&c.Timeout, "timeout", 10*time.Second, "deadline for one request")
	fs.IntVar(&c.Attempts, "attempts", 5, "connection attempts before giving up")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

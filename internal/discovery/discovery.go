// Package discovery answers LAN broadcasts from the companion app.
//
// Request: the ASCII payload "hello" (trailing CR, LF or NUL ignored).
// Response: "crosspoint (on <hostname>);<websocket port>", sent back to the
// sender's address and port.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHostname = "crosspoint"
	maxRequest      = 16
)

var helloRequest = []byte("hello")

type Options struct {
	UDPPort  int
	Hostname string
	// WSListen is the WebSocket listen address; its port is advertised.
	WSListen        string
	LanOnly         bool
	RateLimitPerSec int
	Logger          *zap.Logger
}

type rateLimiter struct {
	mu        sync.Mutex
	now       func() time.Time
	windowSec int64
	counts    map[string]int
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{now: time.Now, counts: map[string]int{}}
}

// allow counts one request from ip in the current one-second window.
func (rl *rateLimiter) allow(ip string, limit int) bool {
	if limit <= 0 {
		return true
	}
	nowSec := rl.now().Unix()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.windowSec != nowSec {
		rl.windowSec = nowSec
		for k := range rl.counts {
			delete(rl.counts, k)
		}
	}
	rl.counts[ip]++
	return rl.counts[ip] <= limit
}

// Responder is the UDP discovery listener.
type Responder struct {
	conn *net.UDPConn
	opts Options
	rl   *rateLimiter
	log  *zap.Logger
	msg  []byte
}

// Listen binds the discovery port on all IPv4 interfaces.
func Listen(opts Options) (*Responder, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	host := strings.TrimSpace(opts.Hostname)
	if host == "" {
		host = defaultHostname
	}
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: opts.UDPPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery listen %s: %w", addr, err)
	}
	r := &Responder{
		conn: conn,
		opts: opts,
		rl:   newRateLimiter(),
		log:  opts.Logger,
		msg:  []byte(fmt.Sprintf("crosspoint (on %s);%d", host, ListenPort(opts.WSListen, 81))),
	}
	r.log.Info("listening", zap.Stringer("addr", conn.LocalAddr()), zap.Bool("lan_only", opts.LanOnly))
	return r, nil
}

func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Serve answers requests until ctx is cancelled and closes the socket.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()
	defer r.conn.Close()

	buf := make([]byte, 512)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("read error", zap.Error(err))
			continue
		}
		reply, ok := r.reply(buf[:n], src.IP)
		if !ok {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, src); err != nil {
			r.log.Warn("reply failed", zap.Stringer("to", src), zap.Error(err))
			continue
		}
		r.log.Debug("answered", zap.Stringer("from", src))
	}
}

func (r *Responder) reply(pkt []byte, src net.IP) ([]byte, bool) {
	if len(pkt) > maxRequest {
		return nil, false
	}
	if !bytes.Equal(bytes.TrimRight(pkt, "\r\n\x00"), helloRequest) {
		return nil, false
	}
	if r.opts.LanOnly && !isLANIP(src) {
		return nil, false
	}
	if !r.rl.allow(src.String(), r.opts.RateLimitPerSec) {
		return nil, false
	}
	return r.msg, true
}

func isLANIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// ListenPort extracts the port from a listen address such as ":81" or
// "0.0.0.0:81", returning fallback when there is none.
func ListenPort(listen string, fallback int) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		if strings.HasPrefix(listen, ":") {
			if p, _ := strconv.Atoi(strings.TrimPrefix(listen, ":")); p > 0 {
				return p
			}
		}
		return fallback
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 {
		return fallback
	}
	return p
}

package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestReply(t *testing.T) {
	r := &Responder{
		opts: Options{LanOnly: true},
		rl:   newRateLimiter(),
		msg:  []byte("crosspoint (on shelf);81"),
	}
	lan := net.ParseIP("192.168.1.20")
	tests := []struct {
		name string
		pkt  string
		src  net.IP
		ok   bool
	}{
		{"hello", "hello", lan, true},
		{"hello newline", "hello\r\n", lan, true},
		{"hello nul", "hello\x00", lan, true},
		{"other", "hi", lan, false},
		{"prefix", "hello world", lan, false},
		{"too long", "hello" + string(make([]byte, 20)), lan, false},
		{"public source", "hello", net.ParseIP("8.8.8.8"), false},
		{"loopback", "hello", net.ParseIP("127.0.0.1"), true},
	}
	for _, tc := range tests {
		got, ok := r.reply([]byte(tc.pkt), tc.src)
		if ok != tc.ok {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
		}
		if ok && string(got) != "crosspoint (on shelf);81" {
			t.Errorf("%s: reply = %q", tc.name, got)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1", 3) {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if rl.allow("10.0.0.1", 3) {
		t.Fatalf("fourth request in the same second allowed")
	}
	if !rl.allow("10.0.0.2", 3) {
		t.Fatalf("other address denied")
	}
	now = now.Add(time.Second)
	if !rl.allow("10.0.0.1", 3) {
		t.Fatalf("new window denied")
	}
	if !rl.allow("10.0.0.1", 0) {
		t.Fatalf("limit 0 should disable limiting")
	}
}

func TestListenPort(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{":81", 81},
		{"0.0.0.0:8081", 8081},
		{"[::]:9000", 9000},
		{"", 81},
		{"localhost", 81},
		{":abc", 81},
	}
	for _, tc := range tests {
		if got := ListenPort(tc.in, 81); got != tc.want {
			t.Errorf("ListenPort(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestServe(t *testing.T) {
	r, err := Listen(Options{Hostname: "shelf", WSListen: ":8181", LanOnly: true, RateLimitPerSec: 5})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	port := r.Addr().(*net.UDPAddr).Port
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 128)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "crosspoint (on shelf);8181" {
		t.Errorf("reply = %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

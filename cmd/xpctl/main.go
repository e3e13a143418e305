package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crosspoint-transfer/internal/version"
)

func main() {
	var base string
	var wsBase string
	var baud int
	var showVersion bool
	flag.StringVar(&base, "url", "http://crosspoint.local", "Device web server URL")
	flag.StringVar(&wsBase, "ws", "", "Device WebSocket URL (default: -url host on port 81)")
	flag.IntVar(&baud, "baud", 115200, "Serial baud rate")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	base = strings.TrimRight(base, "/")
	c := &client{base: base, ws: wsBase, http: &http.Client{}}

	var err error
	switch cmd := strings.ToLower(args[0]); cmd {
	case "version":
		fmt.Println(version.Get().String())
	case "status":
		err = c.status()
	case "ls":
		p := "/"
		if len(args) >= 2 {
			p = args[1]
		}
		err = c.ls(p)
	case "download":
		if len(args) < 2 {
			fmt.Println("download <path> [local file]")
			os.Exit(2)
		}
		out := filepath.Base(args[1])
		if len(args) >= 3 {
			out = args[2]
		}
		err = c.download(args[1], out)
	case "rm":
		if len(args) < 2 {
			fmt.Println("rm <path>")
			os.Exit(2)
		}
		err = c.form("/delete", url.Values{"path": {args[1]}})
	case "mkdir":
		if len(args) < 3 {
			fmt.Println("mkdir <parent> <name>")
			os.Exit(2)
		}
		err = c.form("/mkdir", url.Values{"path": {args[1]}, "name": {args[2]}})
	case "mv":
		if len(args) < 3 {
			fmt.Println("mv <path> <dest folder>")
			os.Exit(2)
		}
		err = c.form("/move", url.Values{"path": {args[1]}, "dest": {args[2]}})
	case "upload":
		if len(args) < 2 {
			fmt.Println("upload <local file> [remote folder]")
			os.Exit(2)
		}
		dir := "/"
		if len(args) >= 3 {
			dir = args[2]
		}
		err = c.upload(args[1], dir)
	case "discover":
		port := 8134
		if len(args) >= 2 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				port = v
			}
		}
		err = discover(port, 2*time.Second)
	case "ports":
		err = listPorts()
	case "serial":
		if len(args) < 3 {
			fmt.Println(`serial <port> '<json command>'   e.g. serial /dev/ttyACM0 '{"cmd":"status"}'`)
			os.Exit(2)
		}
		err = serialCommand(args[1], baud, args[2], os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("xpctl - CrossPoint transfer client")
	fmt.Println("Usage:")
	fmt.Println("  xpctl -url http://<device> status")
	fmt.Println("  xpctl -url http://<device> ls [path]")
	fmt.Println("  xpctl -url http://<device> download <path> [local file]")
	fmt.Println("  xpctl -url http://<device> upload <local file> [remote folder]")
	fmt.Println("  xpctl -url http://<device> rm <path>")
	fmt.Println("  xpctl -url http://<device> mkdir <parent> <name>")
	fmt.Println("  xpctl -url http://<device> mv <path> <dest folder>")
	fmt.Println("  xpctl discover [udp port]")
	fmt.Println("  xpctl ports")
	fmt.Println("  xpctl [-baud N] serial <port> '<json command>'")
	fmt.Println("  xpctl version")
}

type client struct {
	base string
	ws   string
	http *http.Client
}

// get performs a GET and fails on anything but 200.
func (c *client) get(path string, q url.Values) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}
	return resp, nil
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("%d: %s", resp.StatusCode, msg)
}

func (c *client) status() error {
	resp, err := c.get("/api/status", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

type entry struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"isDirectory"`
	IsEpub      bool   `json:"isEpub"`
}

func (c *client) ls(p string) error {
	resp, err := c.get("/api/files", url.Values{"path": {p}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}
	fmt.Printf("%s (%d entries)\n", p, len(entries))
	for _, e := range entries {
		kind := "F"
		if e.IsDirectory {
			kind = "D"
		}
		fmt.Printf("  %s %10d  %s\n", kind, e.Size, e.Name)
	}
	return nil
}

func (c *client) download(p, out string) error {
	resp, err := c.get("/download", url.Values{"path": {p}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%d bytes)\n", p, out, n)
	return nil
}

func (c *client) form(path string, v url.Values) error {
	resp, err := c.http.PostForm(c.base+path, v)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	return nil
}

// discover broadcasts the discovery request and prints every reply that
// arrives within wait.
func discover(port int, wait time.Duration) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.WriteToUDP([]byte("hello"), &net.UDPAddr{IP: net.IPv4bcast, Port: port}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 256)
	found := 0
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return err
		}
		found++
		fmt.Printf("%s  %s\n", src.IP, buf[:n])
	}
	if found == 0 {
		fmt.Println("no devices answered")
	}
	return nil
}

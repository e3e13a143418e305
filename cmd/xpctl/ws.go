package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
)

const uploadFrame = 64 * 1024

// wsURL derives the upload endpoint from the web URL when -ws is not set.
func (c *client) wsURL() (string, error) {
	if c.ws != "" {
		return c.ws, nil
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Hostname() + ":81/", nil
}

// upload sends a local file over the binary WebSocket protocol.
func (c *client) upload(local, dir string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return fmt.Errorf("%s is empty", local)
	}
	target, err := c.wsURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	name := filepath.Base(local)
	start := fmt.Sprintf("START:%s:%d:%s", name, st.Size(), dir)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		return err
	}
	if msg, err := readReply(conn); err != nil {
		return err
	} else if msg != "READY" {
		return fmt.Errorf("device refused upload: %s", msg)
	}

	// Replies are read concurrently so PROGRESS messages never back up.
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := readReply(conn)
			if err != nil {
				done <- err
				return
			}
			switch {
			case strings.HasPrefix(msg, "PROGRESS:"):
				fmt.Printf("\r%s", strings.TrimPrefix(msg, "PROGRESS:"))
			case msg == "DONE":
				fmt.Println()
				done <- nil
				return
			default:
				done <- fmt.Errorf("device: %s", msg)
				return
			}
		}
	}()

	buf := make([]byte, uploadFrame)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := <-done; err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%d bytes)\n", local, strings.TrimRight(dir, "/")+"/"+name, st.Size())
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func readReply(conn *websocket.Conn) (string, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

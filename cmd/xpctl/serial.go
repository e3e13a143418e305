package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"crosspoint-transfer/internal/usbserial"
)

func listPorts() error {
	ports, err := usbserial.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

// serialCommand sends one JSON command line and prints the replies.
func serialCommand(port string, baud int, cmd string, w io.Writer) error {
	if !json.Valid([]byte(cmd)) {
		return fmt.Errorf("command is not valid JSON: %s", cmd)
	}
	p, err := usbserial.OpenPort(port, baud)
	if err != nil {
		return err
	}
	defer p.Close()
	if _, err := p.Write([]byte(cmd + "\n")); err != nil {
		return err
	}
	return readLines(p, w, time.Second)
}

// readLines copies replies to w until the link has been quiet for idle.
// The port's read timeout keeps each Read short.
func readLines(r io.Reader, w io.Writer, idle time.Duration) error {
	buf := make([]byte, 512)
	last := time.Now()
	for time.Since(last) < idle {
		n, err := r.Read(buf)
		if n > 0 {
			last = time.Now()
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Client is a thin TCP+NDJSON client used by observer tooling (status
// views, the consume-observer CLI path) to connect to a running daemon.
type Client struct {
	conn   net.Conn
	reader *bufio.Scanner
	writer *bufio.Writer
}

// Dial connects to a daemon listening on 127.0.0.1:port.
func Dial(port int, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial ipc server: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Client{conn: conn, reader: scanner, writer: bufio.NewWriter(conn)}, nil
}

// ReadRecord blocks for the next line-delimited record.
func (c *Client) ReadRecord() (Record, error) {
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return Record{}, fmt.Errorf("read record: %w", err)
		}
		return Record{}, fmt.Errorf("read record: connection closed")
	}
	return Decode(c.reader.Bytes())
}

// SendCommand writes rec to the server.
func (c *Client) SendCommand(rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return c.writer.Flush()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

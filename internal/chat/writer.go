package chat

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// LineWriter serializes outgoing lines onto a connection. It is owned by a
// single session loop and is not safe for concurrent use.
type LineWriter struct {
	conn    net.Conn
	w       *bufio.Writer
	timeout time.Duration
}

func NewLineWriter(conn net.Conn, timeout time.Duration) *LineWriter {
	return &LineWriter{
		conn:    conn,
		w:       bufio.NewWriter(conn),
		timeout: timeout,
	}
}

// WriteLine writes line plus "\n" and flushes it as one unit.
func (lw *LineWriter) WriteLine(line string) error {
	if lw.timeout > 0 {
		if err := lw.conn.SetWriteDeadline(time.Now().Add(lw.timeout)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	if _, err := lw.w.WriteString(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := lw.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := lw.w.Flush(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

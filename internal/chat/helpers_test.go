package chat

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type testClient struct {
	t    *testing.T
	name string
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), waitTimeout)
	require.NoError(t, err)
	return newTestClient(t, conn)
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(waitTimeout)))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err, "%s: send %q", c.name, line)
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return line, err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	got, err := c.readLine(waitTimeout)
	require.NoError(c.t, err, "%s: waiting for %q", c.name, want)
	require.Equal(c.t, want, got, "%s: unexpected line", c.name)
}

// expectClosed drains until the server closes the connection and returns
// whatever lines arrived first.
func (c *testClient) expectClosed() []string {
	c.t.Helper()
	var lines []string
	for {
		line, err := c.readLine(waitTimeout)
		if err == nil {
			lines = append(lines, line)
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatalf("%s: connection still open after %v", c.name, waitTimeout)
		}
		return lines
	}
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	line, err := c.readLine(d)
	var netErr net.Error
	if err == nil || !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("%s: expected silence, got %q (err=%v)", c.name, line, err)
	}
	// A timed-out read may leave a partial line buffered; none is expected here.
	require.NoError(c.t, c.conn.SetReadDeadline(time.Time{}))
}

// join performs negotiation and returns the participant line.
func (c *testClient) join(name string) string {
	c.t.Helper()
	c.name = name
	c.expect(WelcomePrompt)
	c.send(name)
	line, err := c.readLine(waitTimeout)
	require.NoError(c.t, err, "%s: waiting for participant list", name)
	return line
}

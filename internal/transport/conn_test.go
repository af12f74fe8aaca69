package transport

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine_IdleThenData(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Conn{conn: client, r: bufio.NewReader(client)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, status := c.ReadLine(50 * time.Millisecond)
		assert.Equal(t, ReadIdle, status)

		line, status := c.ReadLine(2 * time.Second)
		require.Equal(t, ReadOK, status)
		assert.Equal(t, "hello", string(line))
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := server.Write([]byte("hello\n"))
	require.NoError(t, err)
	<-done
}

func TestReadLine_FailedOnClose(t *testing.T) {
	server, client := net.Pipe()
	c := &Conn{conn: client, r: bufio.NewReader(client)}
	server.Close()

	_, status := c.ReadLine(time.Second)
	assert.Equal(t, ReadFailed, status)
}

//go:build linux

package serial

import (
	"errors"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func TestChannelOverPTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	ch, err := OpenChannel(Config{
		Device:      slave.Name(),
		Baud:        57600,
		ReadTimeout: 50 * time.Millisecond,
		Driver:      DriverTarm,
		Exclusive:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	fromChannel := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := master.Read(buf)
		if err != nil {
			return
		}
		fromChannel <- string(buf[:n])
	}()

	// master -> channel
	_, err = master.Write([]byte("ping\r\n"))
	require.NoError(t, err)
	var got []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(got) < 6 {
		b, err := ch.ReadAvailable()
		require.NoError(t, err)
		got = append(got, b...)
	}
	require.Equal(t, "ping\r\n", string(got))

	// channel -> master
	_, err = ch.Write([]byte("pong\n"))
	require.NoError(t, err)
	select {
	case msg := <-fromChannel:
		require.Equal(t, "pong\n", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for master to receive from channel")
	}

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestChannelTimeoutReturnsNoData(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	ch, err := OpenChannel(Config{Device: slave.Name(), Baud: 115200, ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer ch.Close()

	start := time.Now()
	b, err := ch.ReadAvailable()
	require.NoError(t, err)
	require.Empty(t, b)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLockDeviceRejectsSecondHolder(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	unlock, err := lockDevice(slave.Name())
	require.NoError(t, err)

	_, err = lockDevice(slave.Name())
	require.True(t, errors.Is(err, ErrBusy), "expected ErrBusy, got %v", err)

	unlock()
	unlock2, err := lockDevice(slave.Name())
	require.NoError(t, err)
	unlock2()
}

func TestOpenChannelMissingDevice(t *testing.T) {
	_, err := OpenChannel(Config{Device: "/dev/serimon-does-not-exist", Baud: 9600, Exclusive: true})
	var oerr *OpenError
	require.ErrorAs(t, err, &oerr)
	require.ErrorIs(t, err, ErrNotFound)
}

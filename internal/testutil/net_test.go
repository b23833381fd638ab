package testutil

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_StopsOnCleanup(t *testing.T) {
	stopped := make(chan struct{})
	t.Run("serve", func(t *testing.T) {
		addr := Serve(t, func(ctx context.Context, ln net.Listener) error {
			go func() {
				<-ctx.Done()
				ln.Close()
			}()
			for {
				conn, err := ln.Accept()
				if err != nil {
					close(stopped)
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				conn.Close()
			}
		})

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conn.Close()
	})

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("serve still running after cleanup")
	}
}

func TestWaitForTCPReady_Timeout(t *testing.T) {
	ln, addr := ListenTCP(t)
	require.NoError(t, ln.Close())

	err := WaitForTCPReady(addr, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers exactly one connect request followed by one
// announce request and then exits, mirroring the concrete scenario:
// connection_id 0x0123456789ABCDEF, echoing the transaction id.
func fakeUDPTracker(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		for i := 0; i < 2; i++ {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:])
			txID := binary.BigEndian.Uint32(pkt[12:])
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp, actionConnect)
				binary.BigEndian.PutUint32(resp[4:], txID)
				binary.BigEndian.PutUint64(resp[8:], 0x0123456789ABCDEF)
				conn.WriteToUDP(resp, raddr)
			case actionAnnounce:
				resp := make([]byte, 20)
				binary.BigEndian.PutUint32(resp, actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:], txID)
				binary.BigEndian.PutUint32(resp[8:], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:], 0)   // leechers
				binary.BigEndian.PutUint32(resp[16:], 1)   // seeders
				conn.WriteToUDP(resp, raddr)
			}
		}
	}()
}

func TestUDPClientConnectCachesConnectionID(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()
	fakeUDPTracker(t, serverConn)

	client := NewUDPClient()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	connID, err := client.Connect(ctx, serverConn.LocalAddr().String())
	require.NoError(t, err)
	require.Equal(t, uint64(0x0123456789ABCDEF), connID)

	cached, ok := client.conns[serverConn.LocalAddr().String()]
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(connectionTTL), cached.expiresAt, 2*time.Second)
}

func TestUDPClientAnnounceParsesResult(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()
	fakeUDPTracker(t, serverConn)

	client := NewUDPClient()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	addr := serverConn.LocalAddr().String()
	client.conns[addr] = cachedConn{id: 0x0123456789ABCDEF, expiresAt: time.Now().Add(connectionTTL)}

	res, err := client.Announce(ctx, addr, AnnounceRequest{})
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, res.Interval)
	require.Equal(t, 1, res.Complete)
}

func TestUDPClientConnectionIDExpiresAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	client := NewUDPClientWithClock(mock)
	addr := "203.0.113.1:6969"
	client.conns[addr] = cachedConn{id: 42, expiresAt: mock.Now().Add(connectionTTL)}

	mock.Add(connectionTTL - time.Second)
	client.mu.Lock()
	cached, ok := client.conns[addr]
	stillValid := ok && mock.Now().Before(cached.expiresAt)
	client.mu.Unlock()
	require.True(t, stillValid, "connection id should still be valid just under the TTL")

	mock.Add(2 * time.Second)
	client.mu.Lock()
	cached, ok = client.conns[addr]
	stillValid = ok && mock.Now().Before(cached.expiresAt)
	client.mu.Unlock()
	require.False(t, stillValid, "connection id should have expired past the TTL")
}

package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedNetworks(t *testing.T) {
	nets, err := ParseTrustedNetworks([]string{"10.0.0.0/8", "192.168.1.10", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)

	assert.True(t, ContainsIP(nets, net.ParseIP("10.20.30.40")))
	assert.True(t, ContainsIP(nets, net.ParseIP("192.168.1.10")))
	assert.False(t, ContainsIP(nets, net.ParseIP("192.168.1.11")))
	assert.True(t, ContainsIP(nets, net.ParseIP("::1")))
	assert.False(t, ContainsIP(nets, net.ParseIP("8.8.8.8")))
	assert.False(t, ContainsIP(nets, nil))
}

func TestParseTrustedNetworks_Invalid(t *testing.T) {
	_, err := ParseTrustedNetworks([]string{"10.0.0.0/8", "not-a-network"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-network")
}

func TestParseTrustedNetworks_Defaults(t *testing.T) {
	nets, err := ParseTrustedNetworks(DefaultTrustedNetworks)
	require.NoError(t, err)
	assert.True(t, ContainsIP(nets, net.ParseIP("127.0.0.1")))
	assert.True(t, ContainsIP(nets, net.ParseIP("172.20.0.5")))
	assert.False(t, ContainsIP(nets, net.ParseIP("203.0.113.9")))
}

func TestRemoteIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", RemoteIP(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 24}).String())
	assert.Equal(t, "::1", RemoteIP(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 24}).String())
	assert.Nil(t, RemoteIP(nil))

	unix := &net.UnixAddr{Name: "/run/mailroute.sock", Net: "unix"}
	assert.Nil(t, RemoteIP(unix))
}

func TestListen(t *testing.T) {
	l, err := Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

type fakeStats struct{}

func (fakeStats) GetTotalConnections() int64  { return 7 }
func (fakeStats) GetActiveConnections() int64 { return 2 }

func TestSession_Attrs(t *testing.T) {
	s := &Session{Id: "abc", RemoteIP: "10.0.0.1", Protocol: "LMTP", ServerName: "lmtp0", Stats: fakeStats{}}
	attrs := s.attrs("rcpt %s accepted", []any{"sally@my-domain.com"})

	assert.Equal(t, []any{
		"protocol", "LMTP-lmtp0",
		"remote", "10.0.0.1",
		"session", "abc",
		"conn_total", int64(7),
		"conn_active", int64(2),
		"msg", "rcpt sally@my-domain.com accepted",
	}, attrs)
}

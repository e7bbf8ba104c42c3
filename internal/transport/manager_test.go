package transport_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KevinKickass/scpishot/internal/transport"
	"github.com/KevinKickass/scpishot/internal/transport/transporttest"
)

func TestManager_RequiresOpen(t *testing.T) {
	mgr := transport.NewManager(zap.NewNop(), transporttest.NewDriver("USB"))

	_, err := mgr.ListResources(context.Background())
	assert.ErrorIs(t, err, transport.ErrManagerClosed)

	_, err = mgr.OpenSession(context.Background(), scopeResource, transport.SessionOptions{})
	assert.ErrorIs(t, err, transport.ErrManagerClosed)

	require.NoError(t, mgr.Open())
	require.NoError(t, mgr.Close())

	_, err = mgr.ListResources(context.Background())
	assert.ErrorIs(t, err, transport.ErrManagerClosed)
}

func TestManager_OpenWithoutDrivers(t *testing.T) {
	mgr := transport.NewManager(zap.NewNop())
	assert.Error(t, mgr.Open())
}

func TestManager_ListResourcesSkipsFailingDriver(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	broken := transporttest.NewDriver("ASRL")
	broken.ListErr = errors.New("permission denied")

	usb := transporttest.NewDriver("USB")
	usb.Add("USB0::1::INSTR", transporttest.NewInstrument("a,b,c,d"))
	usb.Add("USB0::2::INSTR", transporttest.NewInstrument("a,b,e,d"))

	mgr := transport.NewManager(zap.New(core), broken, usb)
	require.NoError(t, mgr.Open())

	resources, err := mgr.ListResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"USB0::1::INSTR", "USB0::2::INSTR"}, resources)
	assert.Equal(t, 1, logs.FilterMessage("Resource enumeration failed").Len())
}

func TestManager_UnsupportedResource(t *testing.T) {
	mgr := transport.NewManager(zap.NewNop(), transporttest.NewDriver("USB"))
	require.NoError(t, mgr.Open())

	_, err := mgr.OpenSession(context.Background(), "GPIB0::12::INSTR", transport.SessionOptions{})

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "open", terr.Op)
	assert.ErrorIs(t, err, transport.ErrUnsupportedResource)
}

func TestManager_OpenFailureIsTransportError(t *testing.T) {
	driver := transporttest.NewDriver("USB")
	inst := driver.Add(scopeResource, transporttest.NewInstrument(""))
	inst.OpenErr = errors.New("device busy")

	mgr := transport.NewManager(zap.NewNop(), driver)
	require.NoError(t, mgr.Open())

	_, err := mgr.OpenSession(context.Background(), scopeResource, transport.SessionOptions{})

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scopeResource, terr.Resource)
}

func TestManager_ExclusiveClaim(t *testing.T) {
	driver := transporttest.NewDriver("USB")
	driver.Add(scopeResource, transporttest.NewInstrument(""))

	mgr := transport.NewManager(zap.NewNop(), driver)
	require.NoError(t, mgr.Open())

	opts := transport.DefaultSessionOptions()
	opts.Exclusive = true

	first, err := mgr.OpenSession(context.Background(), scopeResource, opts)
	require.NoError(t, err)

	_, err = mgr.OpenSession(context.Background(), scopeResource, opts)
	assert.ErrorIs(t, err, transport.ErrResourceBusy)

	_, err = mgr.OpenSession(context.Background(), scopeResource, transport.DefaultSessionOptions())
	assert.ErrorIs(t, err, transport.ErrResourceBusy)

	require.NoError(t, first.Close())

	second, err := mgr.OpenSession(context.Background(), scopeResource, opts)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

// fakeSocketInstrument answers *IDN? on a real loopback socket.
func fakeSocketInstrument(t *testing.T, identity string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "*IDN?\n" {
				fmt.Fprintf(conn, "%s\n", identity)
			}
		}
	}()

	return ln.Addr().String()
}

func TestTCPIPDriver_Query(t *testing.T) {
	addr := fakeSocketInstrument(t, "KEYSIGHT,U2004A,MY1234,A1.02")

	resource, err := transport.NormalizeAddress(addr)
	require.NoError(t, err)

	driver := transport.NewTCPIPDriver([]string{addr})
	mgr := transport.NewManager(zap.NewNop(), driver)
	require.NoError(t, mgr.Open())

	resources, err := mgr.ListResources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{resource}, resources)

	opts := transport.DefaultSessionOptions()
	opts.Timeout = 2 * time.Second

	sess, err := mgr.OpenSession(context.Background(), resource, opts)
	require.NoError(t, err)
	defer sess.Close()

	reply, err := sess.Query(context.Background(), "*IDN?", 0)
	require.NoError(t, err)
	assert.Equal(t, "KEYSIGHT,U2004A,MY1234,A1.02", reply)
}

func TestTCPIPDriver_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	resource, err := transport.NormalizeAddress(addr)
	require.NoError(t, err)

	mgr := transport.NewManager(zap.NewNop(), transport.NewTCPIPDriver(nil))
	require.NoError(t, mgr.Open())

	_, err = mgr.OpenSession(context.Background(), resource, transport.SessionOptions{Timeout: time.Second})

	var terr *transport.Error
	assert.ErrorAs(t, err, &terr)
}

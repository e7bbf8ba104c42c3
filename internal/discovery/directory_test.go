package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/scpishot/internal/transport"
	"github.com/KevinKickass/scpishot/internal/transport/transporttest"
)

type bench struct {
	serial *transporttest.Driver
	usb    *transporttest.Driver
	lan    *transporttest.Driver
	dir    *Directory
}

func newBench(t *testing.T) *bench {
	t.Helper()

	b := &bench{
		serial: transporttest.NewDriver("ASRL"),
		usb:    transporttest.NewDriver("USB"),
		lan:    transporttest.NewDriver("TCPIP"),
	}

	logger := zaptest.NewLogger(t)
	mgr := transport.NewManager(logger, b.serial, b.usb, b.lan)
	require.NoError(t, mgr.Open())
	t.Cleanup(func() { _ = mgr.Close() })

	b.dir = NewDirectory(mgr, logger)
	return b
}

func TestDiscover_OrderAndDedup(t *testing.T) {
	b := newBench(t)

	b.serial.Add("ASRL/dev/ttyUSB0::INSTR", transporttest.NewInstrument("dl1dwg,vdisp,0001,1.0"))
	b.serial.Add("ASRL/dev/ttyS0::INSTR", transporttest.NewInstrument(""))
	b.usb.Add("USB0::0x1AB1::0x04CE::DS1ZA1::INSTR", transporttest.NewInstrument("RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04"))
	// same scope visible a second time through another interface
	b.lan.Add("TCPIP0::10.0.0.7::INSTR", transporttest.NewInstrument("Rigol Technologies,DS1104Z,DS1ZA1,00.04.04"))
	b.lan.Add("TCPIP0::10.0.0.9::INSTR", transporttest.NewInstrument("KEYSIGHT,U2004A,MY1234,A1.02"))

	report, err := b.dir.Discover(context.Background(), "", 0)
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{ResourceID: "ASRL/dev/ttyUSB0::INSTR", Identity: "DL1DWG,VDISP,0001,1.0"},
		{ResourceID: "USB0::0x1AB1::0x04CE::DS1ZA1::INSTR", Identity: "RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04"},
		{ResourceID: "TCPIP0::10.0.0.9::INSTR", Identity: "KEYSIGHT,U2004A,MY1234,A1.02"},
	}, report.Entries)

	require.Len(t, report.Probes, 5)
	assert.True(t, report.Probes[3].Duplicate)
	assert.Equal(t, "TCPIP0::10.0.0.7::INSTR", report.Probes[3].ResourceID)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "ASRL/dev/ttyS0::INSTR", failed[0].ResourceID)
	assert.Equal(t, "query", failed[0].Err.Stage)
}

func TestDiscover_StableAcrossPasses(t *testing.T) {
	b := newBench(t)
	b.usb.Add("USB0::1::INSTR", transporttest.NewInstrument("A,B,1,1"))
	b.usb.Add("USB0::2::INSTR", transporttest.NewInstrument("A,B,2,1"))
	b.lan.Add("TCPIP0::h::INSTR", transporttest.NewInstrument("A,C,3,1"))

	first, err := b.dir.Discover(context.Background(), "", 0)
	require.NoError(t, err)
	second, err := b.dir.Discover(context.Background(), "", 0)
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
	assert.Len(t, first.Entries, 3)
}

func TestDiscover_ManualAddress(t *testing.T) {
	b := newBench(t)
	b.usb.Add("USB0::1::INSTR", transporttest.NewInstrument("A,B,1,1"))

	lan := b.lan.Add("TCPIP0::192.168.1.50::5025::SOCKET", transporttest.NewInstrument("Siglent,SDS1202X-E,SDS1,7.1"))
	b.lan.Hide("TCPIP0::192.168.1.50::5025::SOCKET")

	report, err := b.dir.Discover(context.Background(), "192.168.1.50", time.Second)
	require.NoError(t, err)

	require.Len(t, report.Entries, 2)
	last := report.Entries[1]
	assert.Equal(t, "TCPIP0::192.168.1.50::5025::SOCKET", last.ResourceID)
	assert.Equal(t, "SIGLENT,SDS1202X-E,SDS1,7.1", last.Identity)
	assert.Equal(t, "SDS1202X-E", last.Model())
	assert.True(t, report.Probes[len(report.Probes)-1].Manual)
	assert.Equal(t, 1, lan.Opens())
}

func TestDiscover_ManualDuplicateDropped(t *testing.T) {
	b := newBench(t)
	b.usb.Add("USB0::1::INSTR", transporttest.NewInstrument("A,B,1,1"))
	b.lan.Add("TCPIP0::scope::INSTR", transporttest.NewInstrument("a,b,1,1"))
	b.lan.Hide("TCPIP0::scope::INSTR")

	report, err := b.dir.Discover(context.Background(), "TCPIP0::scope::INSTR", time.Second)
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "USB0::1::INSTR", report.Entries[0].ResourceID)
	assert.True(t, report.Probes[1].Duplicate)
}

func TestDiscover_ManualUnreachable(t *testing.T) {
	b := newBench(t)

	report, err := b.dir.Discover(context.Background(), "10.1.1.1", time.Second)
	require.NoError(t, err)

	assert.Empty(t, report.Entries)
	require.Len(t, report.Probes, 1)
	assert.Equal(t, "open", report.Probes[0].Err.Stage)
	assert.Equal(t, "TCPIP0::10.1.1.1::5025::SOCKET", report.Probes[0].ResourceID)
}

func TestDiscover_SerialProbedExclusive(t *testing.T) {
	b := newBench(t)
	b.serial.Add("ASRL1::INSTR", transporttest.NewInstrument("A,B,1,1"))

	opts := b.dir.optionsFor("ASRL1::INSTR")
	assert.True(t, opts.Exclusive)
	assert.Equal(t, DefaultSerialTimeout, opts.Timeout)

	opts = b.dir.optionsFor("USB0::1::INSTR")
	assert.False(t, opts.Exclusive)
	assert.Equal(t, transport.DefaultTimeout, opts.Timeout)

	report, err := b.dir.Discover(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, report.Entries, 1)
}

func TestDiscover_OpenFailureRecorded(t *testing.T) {
	b := newBench(t)
	busy := b.usb.Add("USB0::1::INSTR", transporttest.NewInstrument("A,B,1,1"))
	busy.OpenErr = errors.New("resource locked")
	b.usb.Add("USB0::2::INSTR", transporttest.NewInstrument("A,B,2,1"))

	report, err := b.dir.Discover(context.Background(), "", 0)
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "USB0::2::INSTR", report.Entries[0].ResourceID)

	probe := report.Probes[0]
	require.NotNil(t, probe.Err)
	assert.Equal(t, "open", probe.Err.Stage)

	var terr *transport.Error
	assert.ErrorAs(t, probe.Err, &terr)
}

func TestDiscover_ClosedManager(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mgr := transport.NewManager(logger, transporttest.NewDriver("USB"))

	_, err := NewDirectory(mgr, logger).Discover(context.Background(), "", 0)
	assert.ErrorIs(t, err, transport.ErrManagerClosed)
}

func TestParseIdentity(t *testing.T) {
	id := ParseIdentity("RIGOL TECHNOLOGIES, DS1104Z ,DS1ZA1,00.04.04,extra")
	assert.Equal(t, "RIGOL TECHNOLOGIES", id.Manufacturer)
	assert.Equal(t, "DS1104Z", id.Model)
	assert.Equal(t, "DS1ZA1", id.Serial)
	assert.Equal(t, "00.04.04,extra", id.Firmware)

	short := ParseIdentity("ARDUINO")
	assert.Equal(t, "ARDUINO", short.Manufacturer)
	assert.Empty(t, short.Model)

	assert.Equal(t, "A,B,C,D", ParseIdentity("A,B,C,D").String())
}

func TestNormalizeIdentity(t *testing.T) {
	assert.Equal(t, "KEYSIGHT,U2004A,MY1,A1", NormalizeIdentity("  Keysight,U2004A,my1,a1\r\n"))
	assert.Equal(t, "", NormalizeIdentity(" \n"))
}

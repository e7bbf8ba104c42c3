package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/scpishot/internal/acquire"
	"github.com/KevinKickass/scpishot/internal/config"
	"github.com/KevinKickass/scpishot/internal/transport"
	"github.com/KevinKickass/scpishot/internal/transport/transporttest"
)

const scopeID = "USB0::0x1AB1::0x04CE::DS1ZA1::INSTR"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	types := filepath.Join(dir, "types.csv")
	require.NoError(t, os.WriteFile(types, []byte("Name;Type\nDS1104Z;RIGOL_DS1000Z\n"), 0o644))

	profiles := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(profiles, []byte(`RIGOL_DS1000Z:
  query_type: binary_values
  query_command: ":DISP:DATA? ON,0,PNG"
  file_type: png
`), 0o644))

	return &config.Config{
		OutputDir: filepath.Join(dir, "out"),
		Transport: config.TransportConfig{
			ChunkSize:  transport.DefaultChunkSize,
			Timeout:    time.Second,
			ReadIdle:   50 * time.Millisecond,
			QueryDelay: time.Millisecond,
		},
		Discovery: config.DiscoveryConfig{
			SerialTimeout: time.Second,
			ManualTimeout: time.Second,
		},
		Instruments: config.InstrumentsConfig{TypesFile: types, ProfilesFile: profiles},
		History:     config.HistoryConfig{Path: ":memory:"},
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateStopping, StateStopped))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(SystemState(99), StateRunning))
}

func TestLifecycle_CaptureAndShutdown(t *testing.T) {
	usb := transporttest.NewDriver("USB")
	scope := usb.Add(scopeID, transporttest.NewInstrument("RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04"))
	scope.On(":DISP:DATA? ON,0,PNG", transporttest.Block([]byte("\x89PNG\r\n\x1a\nimage")))

	lm := NewLifecycleManager(testConfig(t), zaptest.NewLogger(t), usb)
	require.NoError(t, lm.Start())
	assert.Equal(t, StateRunning, lm.GetCurrentStatus().State)

	updates := lm.SubscribeStatus()

	ctx := context.Background()
	instruments, err := lm.DeviceManager().Discover(ctx, "")
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "RIGOL_DS1000Z", instruments[0].TypeTag)

	artifact, err := lm.DeviceManager().AcquireByIdentity(ctx, scopeID)
	require.NoError(t, err)

	status := lm.GetCurrentStatus()
	assert.Equal(t, acquire.StateSaved, status.Capture.State)
	assert.Equal(t, 1, status.Capture.Captures)
	assert.Equal(t, 1, status.Instruments)
	assert.Equal(t, artifact.ID.String(), status.Capture.CaptureID)

	var last SystemStatus
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, acquire.StateSaved, last.Capture.State)

	count, err := lm.History().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	lm.UnsubscribeStatus(updates)

	require.NoError(t, lm.Shutdown(ctx))
	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, StateStopped, lm.GetCurrentStatus().State)

	_, err = lm.DeviceManager().Discover(ctx, "")
	assert.ErrorIs(t, err, transport.ErrManagerClosed)
}

func TestLifecycle_CaptureFailureInStatus(t *testing.T) {
	usb := transporttest.NewDriver("USB")
	usb.Add(scopeID, transporttest.NewInstrument("RIGOL TECHNOLOGIES,DS1104Z,DS1ZA1,00.04.04"))

	lm := NewLifecycleManager(testConfig(t), zaptest.NewLogger(t), usb)
	require.NoError(t, lm.Start())
	t.Cleanup(func() { _ = lm.Shutdown(context.Background()) })

	_, err := lm.DeviceManager().Acquire(context.Background(), "RIGOL_DS1000Z", scopeID)
	require.Error(t, err)

	status := lm.GetCurrentStatus()
	assert.Equal(t, acquire.StateFailed, status.Capture.State)
	assert.NotEmpty(t, status.Capture.ErrorMessage)
	assert.Equal(t, 0, status.Capture.Captures)
}

func TestLifecycle_StartFailure(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Instruments.ProfilesFile, []byte("BROKEN:\n  query_type: nonsense\n"), 0o644))

	lm := NewLifecycleManager(cfg, zaptest.NewLogger(t), transporttest.NewDriver("USB"))
	err := lm.Start()
	require.Error(t, err)

	status := lm.GetCurrentStatus()
	assert.Equal(t, StateError, status.State)
	assert.NotEmpty(t, status.Error)
}

func TestLifecycle_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Path = ""

	lm := NewLifecycleManager(cfg, zaptest.NewLogger(t), transporttest.NewDriver("USB"))
	require.NoError(t, lm.Start())
	defer lm.Shutdown(context.Background())

	assert.Nil(t, lm.History())
	assert.Equal(t, []string{"RIGOL_DS1000Z"}, lm.Registry().Tags())
}

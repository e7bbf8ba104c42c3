package render

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Querier is the part of a transport session the renderers need.
type Querier interface {
	Write(ctx context.Context, command string) error
	Query(ctx context.Context, command string, delay time.Duration) (string, error)
}

// Renderer captures the textual state of a device and returns a PNG.
type Renderer interface {
	Capture(ctx context.Context, q Querier) ([]byte, error)
}

// ReadingError means a device answered, but not with what the renderer
// could interpret.
type ReadingError struct {
	Command string
	Reply   string
	Err     error
}

func (e *ReadingError) Error() string {
	return fmt.Sprintf("unexpected reply to %s: %q: %v", e.Command, e.Reply, e.Err)
}

func (e *ReadingError) Unwrap() error {
	return e.Err
}

// Family binds a renderer to the type tags it serves.
type Family struct {
	Name string
	// Match is compared case-insensitively as a substring of the type tag.
	Match string
	// Retries is how often the whole capture may be repeated after a
	// failure.
	Retries int
	// RetryReadings extends the retry to unreadable replies (ReadingError),
	// not only transport and framing failures.
	RetryReadings bool
	Renderer      Renderer
}

func (f Family) Matches(tag string) bool {
	return f.Match != "" && strings.Contains(strings.ToUpper(tag), strings.ToUpper(f.Match))
}

// DefaultFamilies returns the built-in fallback families.
func DefaultFamilies() []Family {
	return []Family{
		{Name: "virtual-display", Match: "DL1DWG", Renderer: VirtualDisplay{LineDelay: 200 * time.Millisecond}},
		// the sensor times out or answers garbage while auto-calibrating; one retry covers it
		{Name: "power-sensor", Match: "KEYSIGHT_U2004A", Retries: 1, RetryReadings: true, Renderer: PowerSensor{Settle: time.Second, FetchDelay: time.Second}},
		{Name: "channel-status", Match: "RIGOL_DP832", Renderer: ChannelStatus{Channels: 3, Delay: 200 * time.Millisecond}},
	}
}

// Lookup returns the first family matching tag.
func Lookup(families []Family, tag string) (Family, bool) {
	for _, f := range families {
		if f.Matches(tag) {
			return f, true
		}
	}
	return Family{}, false
}

// Limits of a virtual display. Longer lines are cut off.
const (
	MaxLines      = 256
	MaxLineLength = 256
)

// VirtualDisplay reads a text-only display line by line via *NLINES? and
// *LTEXT? n.
type VirtualDisplay struct {
	LineDelay time.Duration
}

func (v VirtualDisplay) Capture(ctx context.Context, q Querier) ([]byte, error) {
	lines, err := v.ReadLines(ctx, q)
	if err != nil {
		return nil, err
	}

	img, err := Lines(lines)
	if err != nil {
		return nil, err
	}
	return EncodePNG(img)
}

// ReadLines returns the display content, one string per line.
func (v VirtualDisplay) ReadLines(ctx context.Context, q Querier) ([]string, error) {
	reply, err := q.Query(ctx, "*NLINES?", v.LineDelay)
	if err != nil {
		return nil, err
	}

	count, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return nil, &ReadingError{Command: "*NLINES?", Reply: reply, Err: err}
	}
	if count < 0 || count > MaxLines {
		return nil, &ReadingError{Command: "*NLINES?", Reply: reply, Err: fmt.Errorf("line count out of range 0..%d", MaxLines)}
	}

	lines := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		line, err := q.Query(ctx, fmt.Sprintf("*LTEXT? %d", i), v.LineDelay)
		if err != nil {
			return nil, err
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	return lines, nil
}

// PowerSensor shows the current power reading of a USB power sensor.
type PowerSensor struct {
	Settle     time.Duration
	FetchDelay time.Duration
}

func (p PowerSensor) Capture(ctx context.Context, q Querier) ([]byte, error) {
	dbm, err := p.Read(ctx, q)
	if err != nil {
		return nil, err
	}

	img, err := Draw(12, 1, []Label{{X: Margin, Y: Margin, Text: FormatDBm(dbm)}})
	if err != nil {
		return nil, err
	}
	return EncodePNG(img)
}

// Read triggers continuous measurement and fetches one value in dBm.
func (p PowerSensor) Read(ctx context.Context, q Querier) (float64, error) {
	for _, cmd := range []string{"*CLS", ":INIT:CONT ON"} {
		if err := q.Write(ctx, cmd); err != nil {
			return 0, err
		}
	}

	if p.Settle > 0 {
		timer := time.NewTimer(p.Settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	reply, err := q.Query(ctx, ":FETCH?", p.FetchDelay)
	if err != nil {
		return 0, err
	}
	return parseFloat(":FETCH?", reply)
}

// FormatDBm rounds to five decimals.
func FormatDBm(v float64) string {
	return strconv.FormatFloat(round(v, 5), 'f', -1, 64) + " dBm"
}

// ChannelStatus renders output state, setpoints and measurements of a
// multi-channel power supply, one column per channel.
type ChannelStatus struct {
	Channels int
	Delay    time.Duration
}

// Channel is the state of one supply output.
type Channel struct {
	Output     string
	SetVoltage float64
	SetCurrent float64
	Voltage    float64
	Current    float64
	Power      float64
}

func (c ChannelStatus) Capture(ctx context.Context, q Querier) ([]byte, error) {
	channels, err := c.Read(ctx, q)
	if err != nil {
		return nil, err
	}

	img, err := Draw(20, 7, channelLabels(channels))
	if err != nil {
		return nil, err
	}
	return EncodePNG(img)
}

func (c ChannelStatus) Read(ctx context.Context, q Querier) ([]Channel, error) {
	channels := make([]Channel, c.Channels)

	for i := range channels {
		ch := fmt.Sprintf("CH%d", i+1)

		output, err := q.Query(ctx, "OUTP? "+ch, c.Delay)
		if err != nil {
			return nil, err
		}
		channels[i].Output = strings.TrimSpace(output)

		// APPL? answers "CH1:30V/3A,5.000,1.000"
		applied, err := c.queryFloats(ctx, q, "APPL? "+ch, 1, 2)
		if err != nil {
			return nil, err
		}
		channels[i].SetVoltage, channels[i].SetCurrent = applied[0], applied[1]

		measured, err := c.queryFloats(ctx, q, "MEAS:ALL? "+ch, 0, 1, 2)
		if err != nil {
			return nil, err
		}
		channels[i].Voltage, channels[i].Current, channels[i].Power = measured[0], measured[1], measured[2]
	}

	return channels, nil
}

func (c ChannelStatus) queryFloats(ctx context.Context, q Querier, command string, fields ...int) ([]float64, error) {
	reply, err := q.Query(ctx, command, c.Delay)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(reply, ",")
	values := make([]float64, len(fields))
	for i, f := range fields {
		if f >= len(parts) {
			return nil, &ReadingError{Command: command, Reply: reply, Err: fmt.Errorf("missing field %d", f)}
		}
		v, err := parseFloat(command, parts[f])
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func channelLabels(channels []Channel) []Label {
	const blockShift = 5 * FontSize

	var labels []Label
	for i, ch := range channels {
		x := Margin + i*blockShift
		row := func(n, extra int) int { return Margin + n*FontSize + extra }

		labels = append(labels,
			Label{X: x, Y: row(0, 0), Text: fmt.Sprintf(" CH%d", i+1)},
			Label{X: x, Y: row(1, 0), Text: " " + ch.Output},
			Label{X: x, Y: row(2, 30), Text: formatUnit(ch.SetVoltage, "V")},
			Label{X: x, Y: row(3, 30), Text: formatUnit(ch.SetCurrent, "A")},
			Label{X: x, Y: row(4, 60), Text: formatUnit(ch.Voltage, "V")},
			Label{X: x, Y: row(5, 60), Text: formatUnit(ch.Current, "A")},
			Label{X: x, Y: row(6, 90), Text: formatUnit(ch.Power, "W")},
		)
	}
	return labels
}

func formatUnit(v float64, unit string) string {
	return strconv.FormatFloat(round(v, 3), 'f', -1, 64) + unit
}

func parseFloat(command, reply string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil || math.IsNaN(v) {
		if err == nil {
			err = fmt.Errorf("not a number")
		}
		return 0, &ReadingError{Command: command, Reply: reply, Err: err}
	}
	return v, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

package registry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/KevinKickass/scpishot/internal/transport"
)

// QueryMode selects how the screenshot payload is read.
type QueryMode int

const (
	// QueryBinaryBlock writes QueryCommand and reads one IEEE 488.2 block.
	QueryBinaryBlock QueryMode = iota
	// QueryRawRead reads whatever the device streams.
	QueryRawRead
)

func ParseQueryMode(s string) (QueryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary_values", "binary-block":
		return QueryBinaryBlock, nil
	case "read_raw", "raw-read":
		return QueryRawRead, nil
	default:
		return 0, fmt.Errorf("unknown query type %q", s)
	}
}

func (m QueryMode) String() string {
	switch m {
	case QueryBinaryBlock:
		return "binary-block"
	case QueryRawRead:
		return "raw-read"
	default:
		return fmt.Sprintf("query-mode(%d)", int(m))
	}
}

// MaxRetries bounds Profile.Retries.
const MaxRetries = 1

// Profile is the acquisition recipe for one instrument type.
type Profile struct {
	Tag          string
	Commands     []string
	QueryMode    QueryMode
	QueryCommand string
	Binary       transport.BinaryParams
	FileType     string

	// Retries is how often the whole sequence is re-run after a transport
	// or framing failure.
	Retries int
	// Settle is waited after the pre-commands.
	Settle time.Duration
}

// Extension returns the artifact file extension without dot, lower case.
func (p *Profile) Extension() string {
	return strings.ToLower(p.FileType)
}

// profileDoc is the on-disk form of one profile.
type profileDoc struct {
	Commands     []string        `yaml:"commands"`
	QueryType    string          `yaml:"query_type"`
	QueryCommand string          `yaml:"query_command"`
	BinaryParams binaryParamsDoc `yaml:"binary_params"`
	FileType     string          `yaml:"file_type"`
	Retries      int             `yaml:"retries"`
	Settle       float64         `yaml:"settle"`
}

type binaryParamsDoc struct {
	Datatype    string  `yaml:"datatype"`
	Container   string  `yaml:"container"`
	Delay       float64 `yaml:"delay"`
	IsBigEndian bool    `yaml:"is_big_endian"`
}

func (d *profileDoc) toProfile(tag string) (*Profile, error) {
	mode, err := ParseQueryMode(d.QueryType)
	if err != nil {
		return nil, err
	}

	datatype, err := transport.ParseDatatype(d.BinaryParams.Datatype)
	if err != nil {
		return nil, err
	}

	container, err := transport.ParseContainer(d.BinaryParams.Container)
	if err != nil {
		return nil, err
	}

	if mode == QueryBinaryBlock && strings.TrimSpace(d.QueryCommand) == "" {
		return nil, fmt.Errorf("binary_values needs a query_command")
	}
	if d.Retries < 0 || d.Retries > MaxRetries {
		return nil, fmt.Errorf("retries must be between 0 and %d, got %d", MaxRetries, d.Retries)
	}
	if strings.TrimSpace(d.FileType) == "" {
		return nil, fmt.Errorf("missing file_type")
	}

	return &Profile{
		Tag:          tag,
		Commands:     append([]string(nil), d.Commands...),
		QueryMode:    mode,
		QueryCommand: strings.TrimSpace(d.QueryCommand),
		Binary: transport.BinaryParams{
			Datatype:  datatype,
			Container: container,
			Delay:     seconds(d.BinaryParams.Delay),
			BigEndian: d.BinaryParams.IsBigEndian,
		},
		FileType: strings.TrimSpace(d.FileType),
		Retries:  d.Retries,
		Settle:   seconds(d.Settle),
	}, nil
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

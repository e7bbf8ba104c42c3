package discovery

import "strings"

// Identity is a parsed *IDN? reply. Fields the instrument did not send are
// empty.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// NormalizeIdentity upper-cases and trims a raw *IDN? reply. The result is
// the deduplication key of a discovery pass.
func NormalizeIdentity(reply string) string {
	return strings.ToUpper(strings.TrimSpace(reply))
}

// ParseIdentity splits "manufacturer,model,serial,firmware". Anything after
// the fourth comma stays in Firmware.
func ParseIdentity(identity string) Identity {
	fields := strings.SplitN(identity, ",", 4)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var id Identity
	if len(fields) > 0 {
		id.Manufacturer = fields[0]
	}
	if len(fields) > 1 {
		id.Model = fields[1]
	}
	if len(fields) > 2 {
		id.Serial = fields[2]
	}
	if len(fields) > 3 {
		id.Firmware = fields[3]
	}
	return id
}

func (id Identity) String() string {
	return strings.Join([]string{id.Manufacturer, id.Model, id.Serial, id.Firmware}, ",")
}

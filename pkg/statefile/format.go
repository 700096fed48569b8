package statefile

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// Format is the on-disk encoding of a state file.
type Format string

const (
	JSON    Format = "json"
	JSONGz  Format = "json.gz"
	JSONZst Format = "json.zst"
)

var formatToString = map[Format]string{
	JSON:    "json",
	JSONGz:  "json.gz",
	JSONZst: "json.zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_state_format(%s)", string(f))
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid state file format: %q. Must be 'json', 'json.gz', or 'json.zst'", s)
}

// FormatFromPath derives the format from the file extension. Unknown
// extensions are plain JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return JSONGz
	case ".zst":
		return JSONZst
	default:
		return JSON
	}
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("state file format should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}

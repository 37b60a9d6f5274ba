package sensor

import (
	"io/ioutil"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/sensorlog/log2"
)

// NewSource parses value source:
// - "file:/sys/class/thermal/thermal_zone0/temp" first number in file
// - "const:21.5"
// Result is multiplied by scale (0 means 1).
func NewSource(log *log2.Log, name, source string, scale float64) (ReadFunc, error) {
	if scale == 0 {
		scale = 1
	}
	kind, arg := source, ""
	if i := strings.IndexByte(source, ':'); i >= 0 {
		kind, arg = source[:i], source[i+1:]
	}
	switch kind {
	case "const":
		v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return nil, errors.Annotatef(err, "sensor=%s source=%s", name, source)
		}
		v *= scale
		return func() float64 { return v }, nil

	case "file":
		if arg == "" {
			return nil, errors.NotValidf("sensor=%s source=%s path empty", name, source)
		}
		return func() float64 {
			v, err := ReadFileNumber(arg)
			if err != nil {
				log.Errorf("sensor=%s read err=%v", name, err)
				return math.NaN()
			}
			return v * scale
		}, nil

	default:
		return nil, errors.NotSupportedf("sensor=%s source=%s", name, source)
	}
}

func ReadFileNumber(path string) (float64, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, field := range strings.Fields(string(b)) {
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return v, nil
		}
	}
	return 0, errors.NotFoundf("number in file=%s", path)
}

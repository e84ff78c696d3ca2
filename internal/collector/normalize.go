package collector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zerodha/hp3par-exporter/internal/wbem"
	"github.com/zerodha/hp3par-exporter/pkg/models"
)

const (
	// ResourceLabel carries the resource identifier on every array sample.
	ResourceLabel = "resource"
	// UnknownResource is used when an instance has no identifying property.
	UnknownResource = "unknown"
)

// Properties tried, in order, to identify an instance.
var identityProps = []string{propDeviceID, propElementName, propTag, propSerialNumber}

var labelReplacer = strings.NewReplacer(
	".", "_",
	"[", "_",
	"]", "_",
	"-", "_",
	" ", "_",
)

// NormalizeIdentifier makes a raw identifier safe for use as a label value.
func NormalizeIdentifier(raw string) string {
	return labelReplacer.Replace(raw)
}

// Identifier returns the normalized identifier of an instance: the first
// non-empty of DeviceID, ElementName, Tag and SerialNumber.
func Identifier(inst wbem.Instance) string {
	for _, p := range identityProps {
		if v := strings.TrimSpace(inst.String(p)); v != "" {
			return NormalizeIdentifier(v)
		}
	}
	return UnknownResource
}

// Normalize maps one instance of rc to its samples. Absent, NULL or
// non-numeric properties produce no sample.
func Normalize(rc ResourceClass, inst wbem.Instance) (string, []models.Sample) {
	var (
		id     = Identifier(inst)
		prefix = rc.Prefix()
		out    []models.Sample
	)

	add := func(prop, kind, help string) {
		p, ok := inst.Get(prop)
		if !ok {
			return
		}
		raw, ok := p.First()
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return
		}
		out = append(out, models.Sample{
			Name:   prefix + "_" + kind,
			Help:   help,
			Labels: map[string]string{ResourceLabel: id},
			Value:  v,
		})
	}

	add(propHealthState, kindHealth, fmt.Sprintf("Health State of %s", rc.Name))
	add(propOperationalStatus, kindOper, fmt.Sprintf("Operational State of %s", rc.Name))

	if rc.Battery {
		add(propRemainingCapacity, kindCapacity, "Remaining Capacity of Battery")
		add(propVoltage, kindVoltage, "Voltage of Battery")
	}
	if rc.LED {
		add(propSystemLED, kindLED, fmt.Sprintf("LED State of %s", rc.Name))
	}
	if rc.OtherOper {
		add(propOtherOperStatus, kindOtherOper, fmt.Sprintf("Other Operational State of %s", rc.Name))
	}

	return id, out
}

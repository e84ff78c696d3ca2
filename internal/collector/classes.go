package collector

// Property names requested from the CIMOM.
const (
	propDeviceID          = "DeviceID"
	propElementName       = "ElementName"
	propTag               = "Tag"
	propSerialNumber      = "SerialNumber"
	propHealthState       = "HealthState"
	propOperationalStatus = "OperationalStatus"
	propSystemLED         = "SystemLED"
	propOtherOperStatus   = "OtherOperationalStatus"
	propRemainingCapacity = "RemainingCapacity"
	propVoltage           = "Voltage"
)

// Metric kinds, appended to the class prefix to form a metric name.
const (
	kindHealth    = "health"
	kindOper      = "oper"
	kindLED       = "led"
	kindOtherOper = "other_oper"
	kindCapacity  = "capacity"
	kindVoltage   = "voltage"
	kindOverprv   = "overprv"
)

// classTagLen is the length of the vendor namespace tag ("TPD_") every
// class name carries.
const classTagLen = 4

const poolClassName = "TPD_DynamicStoragePool"

// ResourceClass describes one CIM class swept on every scrape and the
// derived metrics its instances may produce.
type ResourceClass struct {
	Name string

	Battery   bool // capacity and voltage
	LED       bool // system LED
	OtherOper bool // other operational status
}

// Prefix is the class name without its namespace tag.
func (rc ResourceClass) Prefix() string {
	if len(rc.Name) <= classTagLen {
		return rc.Name
	}
	return rc.Name[classTagLen:]
}

// Properties is the property list requested for the class.
func (rc ResourceClass) Properties() []string {
	props := []string{
		propOperationalStatus,
		propHealthState,
		propDeviceID,
		propElementName,
		propTag,
		propSerialNumber,
	}
	if rc.LED {
		props = append(props, propSystemLED)
	}
	if rc.OtherOper {
		props = append(props, propOtherOperStatus)
	}
	if rc.Battery {
		props = append(props, propRemainingCapacity, propVoltage)
	}
	return props
}

// ResourceClasses is the fixed, ordered set of classes collected on every
// scrape. Order matters: the first sample seen for a label set wins.
var ResourceClasses = []ResourceClass{
	{Name: poolClassName},
	{Name: "TPD_NodeSystem", LED: true},
	{Name: "TPD_DriveCage"},
	{Name: "TPD_DiskDrive"},
	{Name: "TPD_CagePowerSupply"},
	{Name: "TPD_NodePowerSupply"},
	{Name: "TPD_Battery", Battery: true},
	{Name: "TPD_Fan"},
	{Name: "TPD_IDEDrive"},
	{Name: "TPD_PhysicalMemory"},
	{Name: "TPD_SASPort", OtherOper: true},
	{Name: "TPD_FCPort", OtherOper: true},
	{Name: "TPD_EthernetPort", OtherOper: true},
	{Name: "TPD_PCICard"},
}

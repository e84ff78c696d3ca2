package wbem

import "strings"

// Property is a single CIM property as returned by the CIMOM. Values holds
// one entry for a scalar and one entry per element for an array; a nil entry
// stands for NULL.
type Property struct {
	Type   string
	Array  bool
	Values []*string
}

// Instance is one enumerated CIM instance, reduced to its properties.
type Instance struct {
	ClassName  string
	Properties map[string]Property
}

// Scalar builds a non-null scalar property.
func Scalar(v string) Property {
	return Property{Values: []*string{&v}}
}

// Null builds a scalar property that is present but NULL.
func Null() Property {
	return Property{}
}

// Array builds an array property. A nil element stands for NULL.
func Array(vs ...*string) Property {
	return Property{Array: true, Values: vs}
}

// StringArray builds an array property without NULL elements.
func StringArray(vs ...string) Property {
	p := Property{Array: true, Values: make([]*string, len(vs))}
	for i := range vs {
		v := vs[i]
		p.Values[i] = &v
	}
	return p
}

// First returns the first value of the property if it is non-null. For
// scalars this is the value itself.
func (p Property) First() (string, bool) {
	if len(p.Values) == 0 || p.Values[0] == nil {
		return "", false
	}
	return *p.Values[0], true
}

// Get returns the named property. Lookups are case-insensitive, as CIM
// property names are.
func (i Instance) Get(name string) (Property, bool) {
	if p, ok := i.Properties[name]; ok {
		return p, true
	}
	for k, p := range i.Properties {
		if strings.EqualFold(k, name) {
			return p, true
		}
	}
	return Property{}, false
}

// String returns the first non-null value of the named property, or "".
func (i Instance) String(name string) string {
	p, ok := i.Get(name)
	if !ok {
		return ""
	}
	v, _ := p.First()
	return v
}

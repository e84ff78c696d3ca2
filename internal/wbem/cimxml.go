package wbem

import "encoding/xml"

// Request envelope. Only the intrinsic method calls the exporter needs are
// modelled.
type cimRequest struct {
	XMLName    xml.Name   `xml:"CIM"`
	CIMVersion string     `xml:"CIMVERSION,attr"`
	DTDVersion string     `xml:"DTDVERSION,attr"`
	Message    reqMessage `xml:"MESSAGE"`
}

type reqMessage struct {
	ID              string      `xml:"ID,attr"`
	ProtocolVersion string      `xml:"PROTOCOLVERSION,attr"`
	Call            iMethodCall `xml:"SIMPLEREQ>IMETHODCALL"`
}

type iMethodCall struct {
	Name       string        `xml:"NAME,attr"`
	Namespaces []nsElem      `xml:"LOCALNAMESPACEPATH>NAMESPACE"`
	Params     []iParamValue `xml:"IPARAMVALUE"`
}

type nsElem struct {
	Name string `xml:"NAME,attr"`
}

type iParamValue struct {
	Name      string        `xml:"NAME,attr"`
	ClassName *classNameRef `xml:"CLASSNAME,omitempty"`
	Value     *string       `xml:"VALUE,omitempty"`
	Array     *paramArray   `xml:"VALUE.ARRAY,omitempty"`
}

type classNameRef struct {
	Name string `xml:"NAME,attr"`
}

type paramArray struct {
	Values []string `xml:"VALUE"`
}

// Response envelope.
type cimResponse struct {
	XMLName xml.Name `xml:"CIM"`
	Message struct {
		ID       string           `xml:"ID,attr"`
		Response *iMethodResponse `xml:"SIMPLERSP>IMETHODRESPONSE"`
	} `xml:"MESSAGE"`
}

type iMethodResponse struct {
	Name   string        `xml:"NAME,attr"`
	Error  *cimError     `xml:"ERROR"`
	Return *iReturnValue `xml:"IRETURNVALUE"`
}

type cimError struct {
	Code        int    `xml:"CODE,attr"`
	Description string `xml:"DESCRIPTION,attr"`
}

type iReturnValue struct {
	NamedInstances []namedInstance `xml:"VALUE.NAMEDINSTANCE"`
	ClassNames     []classNameRef  `xml:"CLASSNAME"`
}

type namedInstance struct {
	Instance xmlInstance `xml:"INSTANCE"`
}

type xmlInstance struct {
	ClassName  string             `xml:"CLASSNAME,attr"`
	Properties []xmlProperty      `xml:"PROPERTY"`
	Arrays     []xmlPropertyArray `xml:"PROPERTY.ARRAY"`
}

type xmlProperty struct {
	Name  string  `xml:"NAME,attr"`
	Type  string  `xml:"TYPE,attr"`
	Value *string `xml:"VALUE"`
}

type xmlPropertyArray struct {
	Name  string         `xml:"NAME,attr"`
	Type  string         `xml:"TYPE,attr"`
	Array *xmlValueArray `xml:"VALUE.ARRAY"`
}

// xmlValueArray keeps VALUE and VALUE.NULL children in document order.
type xmlValueArray struct {
	Items []xmlArrayItem `xml:",any"`
}

type xmlArrayItem struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (x xmlInstance) toInstance() Instance {
	inst := Instance{
		ClassName:  x.ClassName,
		Properties: make(map[string]Property, len(x.Properties)+len(x.Arrays)),
	}

	for _, p := range x.Properties {
		prop := Property{Type: p.Type}
		if p.Value != nil {
			v := *p.Value
			prop.Values = []*string{&v}
		}
		inst.Properties[p.Name] = prop
	}

	for _, p := range x.Arrays {
		prop := Property{Type: p.Type, Array: true}
		if p.Array != nil {
			for _, item := range p.Array.Items {
				if item.XMLName.Local != "VALUE" {
					prop.Values = append(prop.Values, nil)
					continue
				}
				v := item.Value
				prop.Values = append(prop.Values, &v)
			}
		}
		inst.Properties[p.Name] = prop
	}

	return inst
}

package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// Details is the source-specific part of an event. Fields the scoring rules
// read are typed; everything else is kept in Extra and round-trips unchanged.
type Details struct {
	Status           string // AUTH: "Success" / "Failed"
	ToRemovableMedia *bool  // FILE
	Attachments      string // EMAIL: attachment list, ";"-joined when sent as an array
	To               string // EMAIL recipient when resource is empty
	BytesOut         *int64 // NET fallback when size is 0
	BytesIn          *int64 // NET
	Protocol         string // NET
	Process          string // ENDPOINT fallback when resource is empty
	IntegrityLevel   string // ENDPOINT

	Extra map[string]any
}

const (
	keyStatus           = "status"
	keyToRemovableMedia = "to_removable_media"
	keyAttachments      = "attachments"
	keyTo               = "to"
	keyBytesOut         = "bytes_out"
	keyBytesIn          = "bytes_in"
	keyProtocol         = "protocol"
	keyProcess          = "process"
	keyIntegrityLevel   = "integrity_level"
)

// DetailsFromMap splits a loosely typed payload into known and extra fields.
func DetailsFromMap(m map[string]any) Details {
	var d Details
	for k, v := range m {
		switch k {
		case keyStatus:
			d.Status = asString(v)
		case keyToRemovableMedia:
			d.ToRemovableMedia = asBool(v)
		case keyAttachments:
			d.Attachments = asAttachments(v)
		case keyTo:
			d.To = asString(v)
		case keyBytesOut:
			d.BytesOut = asInt64(v)
		case keyBytesIn:
			d.BytesIn = asInt64(v)
		case keyProtocol:
			d.Protocol = asString(v)
		case keyProcess:
			d.Process = asString(v)
		case keyIntegrityLevel:
			d.IntegrityLevel = asString(v)
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]any)
			}
			d.Extra[k] = v
		}
	}
	return d
}

// Map flattens d back into a single key-value map.
func (d Details) Map() map[string]any {
	m := make(map[string]any, len(d.Extra)+9)
	maps.Copy(m, d.Extra)
	setString := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	setString(keyStatus, d.Status)
	setString(keyAttachments, d.Attachments)
	setString(keyTo, d.To)
	setString(keyProtocol, d.Protocol)
	setString(keyProcess, d.Process)
	setString(keyIntegrityLevel, d.IntegrityLevel)
	if d.ToRemovableMedia != nil {
		m[keyToRemovableMedia] = *d.ToRemovableMedia
	}
	if d.BytesOut != nil {
		m[keyBytesOut] = *d.BytesOut
	}
	if d.BytesIn != nil {
		m[keyBytesIn] = *d.BytesIn
	}
	return m
}

// Clone returns a deep copy of d. Extra values are copied shallowly.
func (d Details) Clone() Details {
	c := d
	if d.ToRemovableMedia != nil {
		v := *d.ToRemovableMedia
		c.ToRemovableMedia = &v
	}
	if d.BytesOut != nil {
		v := *d.BytesOut
		c.BytesOut = &v
	}
	if d.BytesIn != nil {
		v := *d.BytesIn
		c.BytesIn = &v
	}
	if d.Extra != nil {
		c.Extra = maps.Clone(d.Extra)
	}
	return c
}

// RemovableMedia reports whether the file event wrote to removable media.
func (d Details) RemovableMedia() bool {
	return d.ToRemovableMedia != nil && *d.ToRemovableMedia
}

// MarshalJSON writes d as one flat object.
func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

// UnmarshalJSON accepts any JSON object; null yields empty Details.
func (d *Details) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = Details{}
		return nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("activity: decode raw payload: %w", err)
	}
	*d = DetailsFromMap(m)
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// asBool accepts JSON booleans and "True"/"true"/"1" style strings.
func asBool(v any) *bool {
	var b bool
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		b = parsed
	default:
		return nil
	}
	return &b
}

func asInt64(v any) *int64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return &i
		}
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = t
	case int64:
		return &t
	case int:
		i := int64(t)
		return &i
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	i := int64(f)
	return &i
}

func asAttachments(v any) string {
	list, ok := v.([]any)
	if !ok {
		return asString(v)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s := asString(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ";")
}

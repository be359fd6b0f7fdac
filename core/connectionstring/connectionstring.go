// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package connectionstring parses connection strings of the form

  HostName=my.hub.example;DeviceId=sensor-1;SharedAccessKey=c2VjcmV0

Fields are separated by ';', key and value by the first '='. Escaping of ';' or '='
inside values is not supported. Keys are case-sensitive.
*/
package connectionstring

import (
	"fmt"
	"strings"

	"github.com/relabs-tech/kurbisio-device/core"
)

// The well-known connection string keys
const (
	HostName              = "HostName"
	DeviceID              = "DeviceId"
	ModuleID              = "ModuleId"
	SharedAccessKey       = "SharedAccessKey"
	SharedAccessKeyName   = "SharedAccessKeyName"
	SharedAccessSignature = "SharedAccessSignature"
	GatewayHostName       = "GatewayHostName"
	X509                  = "x509"
)

// ConnectionString is an ordered map of connection string fields
type ConnectionString struct {
	keys   []string
	values map[string]string
}

// Parse parses source into a ConnectionString. Source is converted to its string
// representation first, so anything with a String() method works.
//
// If requiredFields are given, Parse fails with a *core.MissingFieldError naming the
// first missing field, in the order the required fields were passed. Without
// requiredFields no validation takes place.
//
// Duplicate keys are rejected with a *core.ArgumentError.
func Parse(source interface{}, requiredFields ...string) (ConnectionString, error) {
	var str string
	switch s := source.(type) {
	case string:
		str = s
	case fmt.Stringer:
		str = s.String()
	case nil:
		str = ""
	default:
		str = fmt.Sprint(s)
	}

	cs := ConnectionString{values: map[string]string{}}
	for _, segment := range strings.Split(str, ";") {
		if len(segment) == 0 {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found {
			return ConnectionString{}, core.NewArgumentError("source", "segment '%s' has no '='", key)
		}
		if _, ok := cs.values[key]; ok {
			return ConnectionString{}, core.NewArgumentError("source", "duplicate key '%s'", key)
		}
		cs.keys = append(cs.keys, key)
		cs.values[key] = value
	}

	for _, field := range requiredFields {
		if _, ok := cs.values[field]; !ok {
			return ConnectionString{}, &core.MissingFieldError{Source: "connection string", Field: field}
		}
	}
	return cs, nil
}

// Get returns the value for key and whether it exists
func (c ConnectionString) Get(key string) (string, bool) {
	value, ok := c.values[key]
	return value, ok
}

// Value returns the value for key, or an empty string
func (c ConnectionString) Value(key string) string {
	return c.values[key]
}

// Keys returns the keys in their original order
func (c ConnectionString) Keys() []string {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys
}

// Len returns the number of fields
func (c ConnectionString) Len() int {
	return len(c.keys)
}

// Map returns the fields as a plain map
func (c ConnectionString) Map() map[string]string {
	m := make(map[string]string, len(c.values))
	for k, v := range c.values {
		m[k] = v
	}
	return m
}

// String serializes the connection string again, in the original field order
func (c ConnectionString) String() string {
	parts := make([]string, 0, len(c.keys))
	for _, key := range c.keys {
		parts = append(parts, key+"="+c.values[key])
	}
	return strings.Join(parts, ";")
}

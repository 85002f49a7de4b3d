package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edgeo/bacnet-stack/bacnet"
)

func parseObjectIdentifier(s string) (bacnet.ObjectIdentifier, error) {
	return bacnet.ParseObjectIdentifier(strings.TrimSpace(s))
}

// parsePropertyIdentifier accepts a full or short name or a number
func parsePropertyIdentifier(s string) (bacnet.PropertyIdentifier, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return bacnet.PropertyIdentifier(n), nil
	}
	prop, ok := bacnet.ParsePropertyIdentifier(s)
	if !ok {
		return 0, fmt.Errorf("unknown property: %s", s)
	}
	return prop, nil
}

// parsePropertyList parses a comma separated or repeated property flag
func parsePropertyList(names []string) ([]bacnet.PropertyIdentifier, error) {
	props := make([]bacnet.PropertyIdentifier, 0, len(names))
	for _, name := range names {
		p, err := parsePropertyIdentifier(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, nil
}

// parseValue infers the application datatype of a command line value:
//
//	null                      relinquish
//	true, false, on, off      boolean
//	active, inactive          enumerated 1, 0
//	12.5, -3e2                real
//	42                        unsigned
//	-7                        signed
//	"text", 'text', other     character string
func parseValue(s string) (interface{}, error) {
	s = strings.TrimSpace(s)

	switch strings.ToLower(s) {
	case "null":
		return nil, nil
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	case "active":
		return bacnet.BinaryActive, nil
	case "inactive":
		return bacnet.BinaryInactive, nil
	}

	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}

	if u, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(u), nil
	}
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int32(i), nil
	}
	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return float32(f), nil
		}
	}
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	return s, nil
}

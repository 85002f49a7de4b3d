package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacnet-stack/bacnet"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"null", nil},
		{"NULL", nil},
		{"true", true},
		{"off", false},
		{"active", bacnet.BinaryActive},
		{"Inactive", bacnet.BinaryInactive},
		{"42", uint32(42)},
		{"-7", int32(-7)},
		{"12.5", float32(12.5)},
		{"-3e2", float32(-300)},
		{`"Zone 1"`, "Zone 1"},
		{"'42'", "42"},
		{"lobby", "lobby"},
		{"4294967296", "4294967296"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseValue("  ")
	assert.Error(t, err)
}

func TestParsePropertyIdentifier(t *testing.T) {
	p, err := parsePropertyIdentifier("pv")
	require.NoError(t, err)
	assert.Equal(t, bacnet.PropertyPresentValue, p)

	p, err = parsePropertyIdentifier("77")
	require.NoError(t, err)
	assert.Equal(t, bacnet.PropertyObjectName, p)

	_, err = parsePropertyIdentifier("bogus")
	assert.Error(t, err)

	props, err := parsePropertyList([]string{"object-name", " pv", "28"})
	require.NoError(t, err)
	assert.Equal(t, []bacnet.PropertyIdentifier{
		bacnet.PropertyObjectName, bacnet.PropertyPresentValue, bacnet.PropertyDescription,
	}, props)

	_, err = parsePropertyList([]string{"pv", "nope"})
	assert.Error(t, err)
}

func TestParseObjectIdentifier(t *testing.T) {
	oid, err := parseObjectIdentifier(" ai:3 ")
	require.NoError(t, err)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 3), oid)

	_, err = parseObjectIdentifier("ai")
	assert.Error(t, err)
}

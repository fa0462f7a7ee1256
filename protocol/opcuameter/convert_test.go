// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package opcuameter

import "testing"

func TestConvertValueFloat(t *testing.T) {
	inputs := []any{float64(230.5), float32(230.5), int32(230), uint16(230)}
	for _, raw := range inputs {
		value, err := convertValue("n", TypeFloat, raw)
		if err != nil {
			t.Errorf("convert(%T) failed: %v", raw, err)
			continue
		}
		if _, ok := value.(float64); !ok {
			t.Errorf("convert(%T) = %T, want float64", raw, value)
		}
	}

	if _, err := convertValue("n", TypeFloat, "230"); err == nil {
		t.Error("expected an error for a string into a float node")
	}
}

func TestConvertValueInt(t *testing.T) {
	value, err := convertValue("n", TypeInt, int16(-42))
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if value != int64(-42) {
		t.Errorf("value = %v, want -42", value)
	}

	value, err = convertValue("n", TypeInt, uint32(100000))
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if value != int64(100000) {
		t.Errorf("value = %v, want 100000", value)
	}
}

func TestConvertValueBoolAndString(t *testing.T) {
	value, err := convertValue("n", TypeBool, true)
	if err != nil || value != true {
		t.Errorf("bool convert = %v, %v", value, err)
	}
	if _, err := convertValue("n", TypeBool, 1); err == nil {
		t.Error("expected an error for an int into a bool node")
	}

	value, err = convertValue("n", TypeString, "running")
	if err != nil || value != "running" {
		t.Errorf("string convert = %v, %v", value, err)
	}
}

func TestParseNodeOptionsValidatesNodeID(t *testing.T) {
	valid := []byte(`{"node_id": "ns=2;s=EnergyMeter/VoltageL1", "type": "FLOAT"}`)
	parsed, err := ParseNodeOptions(valid)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.(NodeOptions).NodeID != "ns=2;s=EnergyMeter/VoltageL1" {
		t.Errorf("unexpected node id: %+v", parsed)
	}

	if _, err := ParseNodeOptions([]byte(`{"node_id": "ns=2;i=abc", "type": "FLOAT"}`)); err == nil {
		t.Error("expected an error for a malformed NodeId")
	}
	if _, err := ParseNodeOptions([]byte(`{"node_id": "ns=2;s=X", "type": "DOUBLE"}`)); err == nil {
		t.Error("expected an error for an unknown type")
	}
}

func TestParseOptionsRedactsPassword(t *testing.T) {
	raw := []byte(`{"url": "opc.tcp://localhost:4840", "username": "operator", "password": "hunter22"}`)
	parsed, err := ParseOptions(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	output := parsed.OptionMap()
	if output["password"] == "hunter22" {
		t.Error("password must be redacted in the option map")
	}
	if output["username"] != "operator" {
		t.Errorf("username = %v, want operator", output["username"])
	}

	options := parsed.(Options)
	if options.ReadPeriod != 5 || options.Timeout != 5 {
		t.Errorf("defaults not applied: %+v", options)
	}
}

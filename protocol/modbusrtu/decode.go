// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package modbusrtu

import (
	"encoding/binary"
	"fmt"
	"math"

	gerrors "github.com/soothill/energy-meter-gateway/pkg/errors"
)

// registersFromBytes converts a Modbus register response (2 bytes per
// register, big-endian) into register words.
func registersFromBytes(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("register payload of %d bytes is not word-aligned", len(data))
	}
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return registers, nil
}

// buildBuffer combines size consecutive registers starting at index into a
// byte buffer ordered according to the endian mode. Each register is treated
// as a big-endian 16-bit word; the mode reorders words and bytes before the
// buffer is interpreted as a big-endian value.
func buildBuffer(registers []uint16, mode EndianMode, index, size int) ([]byte, error) {
	if index < 0 || index+size > len(registers) {
		return nil, fmt.Errorf("register index %d out of bounds for %d registers of size %d", index, len(registers), size)
	}

	words := make([][2]byte, size)
	for i := 0; i < size; i++ {
		binary.BigEndian.PutUint16(words[i][:], registers[index+i])
	}

	buffer := make([]byte, 0, size*2)
	switch mode {
	case BigEndian:
		for i := 0; i < size; i++ {
			buffer = append(buffer, words[i][0], words[i][1])
		}
	case WordSwap:
		for i := size - 1; i >= 0; i-- {
			buffer = append(buffer, words[i][0], words[i][1])
		}
	case ByteSwap:
		for i := 0; i < size; i++ {
			buffer = append(buffer, words[i][1], words[i][0])
		}
	case WordByteSwap:
		for i := size - 1; i >= 0; i-- {
			buffer = append(buffer, words[i][1], words[i][0])
		}
	default:
		return nil, fmt.Errorf("unsupported endian mode %q", mode)
	}
	return buffer, nil
}

// decodeFloat extracts a 32- or 64-bit IEEE-754 value from a register
// response. An endian mode is mandatory for every float width.
func decodeFloat(node string, options NodeOptions, registers []uint16, index, size int) (float64, error) {
	if !options.Function.registerFunction() {
		return 0, gerrors.NewDecodeError(node, fmt.Sprintf("invalid modbus function %q for float extraction", options.Function))
	}
	if options.Endian == nil {
		return 0, gerrors.NewDecodeError(node, "endian mode must be defined for float extraction")
	}

	buffer, err := buildBuffer(registers, *options.Endian, index, size)
	if err != nil {
		return 0, gerrors.NewDecodeError(node, err.Error())
	}

	switch size {
	case 2:
		if options.Type != TypeFloat32 {
			return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incorrect type %q for float extraction of size 2", options.Type))
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buffer))), nil
	case 4:
		if options.Type != TypeFloat64 {
			return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incorrect type %q for float extraction of size 4", options.Type))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buffer)), nil
	}
	return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incompatible size %d for float extraction", size))
}

// decodeInt extracts a signed or unsigned integer from a register response.
// Single-register types decode directly and reject an endian mode; multi-
// register types require one.
func decodeInt(node string, options NodeOptions, registers []uint16, index, size int) (int64, error) {
	if !options.Function.registerFunction() {
		return 0, gerrors.NewDecodeError(node, fmt.Sprintf("invalid modbus function %q for int extraction", options.Function))
	}

	if size == 1 {
		if options.Endian != nil {
			return 0, gerrors.NewDecodeError(node, "endian mode is not applicable to single-register extraction")
		}
		if index < 0 || index >= len(registers) {
			return 0, gerrors.NewDecodeError(node, fmt.Sprintf("register index %d out of bounds", index))
		}
		switch options.Type {
		case TypeInt16:
			return int64(int16(registers[index])), nil
		case TypeUint16:
			return int64(registers[index]), nil
		}
		return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incorrect type %q for single-register int extraction", options.Type))
	}

	if options.Endian == nil {
		return 0, gerrors.NewDecodeError(node, "endian mode must be defined for multi-register extraction")
	}
	buffer, err := buildBuffer(registers, *options.Endian, index, size)
	if err != nil {
		return 0, gerrors.NewDecodeError(node, err.Error())
	}

	switch size {
	case 2:
		switch options.Type {
		case TypeInt32:
			return int64(int32(binary.BigEndian.Uint32(buffer))), nil
		case TypeUint32:
			return int64(binary.BigEndian.Uint32(buffer)), nil
		}
		return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incorrect type %q for int extraction of size 2", options.Type))
	case 4:
		switch options.Type {
		case TypeInt64:
			return int64(binary.BigEndian.Uint64(buffer)), nil
		case TypeUint64:
			// Stored signed; values above MaxInt64 wrap, which the meters in
			// the field never reach.
			return int64(binary.BigEndian.Uint64(buffer)), nil
		}
		return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incorrect type %q for int extraction of size 4", options.Type))
	}
	return 0, gerrors.NewDecodeError(node, fmt.Sprintf("incompatible size %d for int extraction", size))
}

// decodeBool extracts a boolean from a coil/discrete-input response or from
// a single bit of a register. Endianness does not apply to booleans.
func decodeBool(node string, options NodeOptions, bits []byte, registers []uint16, index int) (bool, error) {
	if options.Endian != nil {
		return false, gerrors.NewDecodeError(node, "endian mode is not applicable to boolean extraction")
	}

	switch options.Function {
	case ReadCoils, ReadDiscreteInputs:
		byteIndex := index / 8
		if index < 0 || byteIndex >= len(bits) {
			return false, gerrors.NewDecodeError(node, fmt.Sprintf("bit index %d out of range for boolean extraction", index))
		}
		return bits[byteIndex]>>(index%8)&1 == 1, nil

	case ReadHoldingRegisters, ReadInputRegisters:
		if options.Bit == nil {
			return false, gerrors.NewDecodeError(node, "register bit must be an integer between 0 and 15")
		}
		if index < 0 || index >= len(registers) {
			return false, gerrors.NewDecodeError(node, fmt.Sprintf("register index %d out of range for boolean extraction", index))
		}
		return registers[index]>>(*options.Bit)&1 == 1, nil
	}
	return false, gerrors.NewDecodeError(node, fmt.Sprintf("unknown modbus function %q for boolean extraction", options.Function))
}

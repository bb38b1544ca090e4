package types

import (
	"fmt"
	"strings"
)

// FieldType is the category of a sensitive field on an identity document.
type FieldType int

const (
	IDNumber FieldType = iota
	DateOfBirth
	FullName
	Address
	Barcode
	QRCode
	Unknown
)

type fieldInfo struct {
	name     string
	label    string
	priority int
}

var fieldTable = [...]fieldInfo{
	IDNumber:    {"ID_NUMBER", "ID Number", 1},
	DateOfBirth: {"DATE_OF_BIRTH", "Date of Birth", 2},
	FullName:    {"FULL_NAME", "Full Name", 3},
	Address:     {"ADDRESS", "Address", 4},
	Barcode:     {"BARCODE", "Barcode", 1},
	QRCode:      {"QR_CODE", "QR Code", 1},
	Unknown:     {"UNKNOWN", "Unknown", 5},
}

// AllFieldTypes lists every field type in declaration order.
func AllFieldTypes() []FieldType {
	return []FieldType{IDNumber, DateOfBirth, FullName, Address, Barcode, QRCode, Unknown}
}

func (f FieldType) info() fieldInfo {
	if f < 0 || int(f) >= len(fieldTable) {
		return fieldTable[Unknown]
	}
	return fieldTable[f]
}

// String returns the canonical upper-case name, e.g. "ID_NUMBER".
func (f FieldType) String() string {
	return f.info().name
}

// Label returns the human readable display label.
func (f FieldType) Label() string {
	return f.info().label
}

// Priority is the tie-break rank; lower means more sensitive.
func (f FieldType) Priority() int {
	return f.info().priority
}

// ParseFieldType accepts canonical names, case-insensitive.
func ParseFieldType(s string) (FieldType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, fi := range fieldTable {
		if fi.name == name {
			return FieldType(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown field type %q", s)
}

func (f FieldType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FieldType) UnmarshalText(b []byte) error {
	v, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

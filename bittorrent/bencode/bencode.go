// Package bencode implements bencoding of data as defined in BEP 3 using
// type assertion over reflection for performance.
//
// The encoder produces canonical output: dictionary keys are emitted in
// sorted byte order, so encoding the same value twice yields identical
// bytes. The decoder is strict and rejects input that has no canonical
// encoding, such as integers with leading zeros or duplicated dictionary
// keys.
package bencode

// Dict represents a bencode dictionary.
type Dict map[string]interface{}

// NewDict allocates the memory for a Dict.
func NewDict() Dict {
	return make(Dict)
}

// List represents a bencode list.
type List []interface{}

// NewList allocates the memory for a List.
func NewList() List {
	return make(List, 0)
}

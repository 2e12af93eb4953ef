package config

import "fmt"

// KeyNotFoundError is returned when a required key is missing
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("the requested key '%s' does not exist in the configuration", e.Key)
}

// TypeError is returned when a value cannot be parsed as its key's type
type TypeError struct {
	Key  string
	Type string
	Err  error
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("the key '%s' must be of type %s", e.Key, e.Type)
}

func (e *TypeError) Unwrap() error {
	return e.Err
}

// ValueError is returned when a value is well formed but not allowed
type ValueError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Key, e.Value, e.Reason)
}

package device

import "fmt"

// ConfigError reports a problem with the peer inputs AddPeer validates:
// the "Configuration error" row of the error-handling table: an allowed-IP
// prefix longer than 32 bits or not IPv4, or a duplicate peer name. A peer
// name longer than 100 bytes never reaches AddPeer; peername.New rejects it
// with an ordinary error. These are surfaced to the caller at construction
// time, never discovered later on the data path.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

package iot

// TransportError reports a network or protocol failure, either during the
// provisioning handshake or on the MQTT session. It is never retried by
// the components of this module.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error during " + e.Op
	}
	return "transport error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

package logging

// NewNopServiceLogger returns a logger that discards everything.
func NewNopServiceLogger() ServiceLogger { return nopServiceLogger{} }

type nopServiceLogger struct{}

func (n nopServiceLogger) With(LogFields) ServiceLogger { return n }
func (nopServiceLogger) Debug(string, LogFields)        {}
func (nopServiceLogger) Info(string, LogFields)         {}
func (nopServiceLogger) Error(string, error, LogFields) {}
func (nopServiceLogger) Trace(string, LogFields)        {}

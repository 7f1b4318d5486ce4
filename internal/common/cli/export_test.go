package cli

// NewJSONLogger exposes the JSON logger built by SetSlog.
var NewJSONLogger = newJSONLogger

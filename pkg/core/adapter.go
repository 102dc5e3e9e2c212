package core

// AdapterConfig holds configuration for connecting to a database.
type AdapterConfig struct {
	Type     string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string
	Params   map[string]any
}

// ConnectionStatus describes the runtime state of a named data connection.
type ConnectionStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Dialect   string `json:"dialect"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

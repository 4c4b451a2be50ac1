package models

import "time"

// Chat represents a database connection together with its conversation. In NeoBase every chat owns exactly
// one connection, so selecting a chat in the sidebar is the same as selecting the database to talk to.
type Chat struct {
	ID                  string     `json:"id"`
	Connection          Connection `json:"connection"`
	AutoExecuteQuery    bool       `json:"auto_execute_query"`
	SelectedCollections string     `json:"selected_collections"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Connection holds the connection details of a chat as returned by the backend. The password is never
// returned, it only travels inside ConnectionInput.
type Connection struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`

	UseSSL bool `json:"use_ssl"`
}

// ConnectionInput is the connection part of a create or update request.
type ConnectionInput struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     string `json:"port,omitempty"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`

	UseSSL bool `json:"use_ssl"`
}

// ChatInput is the body of the create-chat and update-chat calls. On update, a nil Connection keeps the
// current connection and a nil AutoExecuteQuery keeps the current flag.
type ChatInput struct {
	Connection          *ConnectionInput `json:"connection,omitempty"`
	AutoExecuteQuery    *bool            `json:"auto_execute_query,omitempty"`
	SelectedCollections *string          `json:"selected_collections,omitempty"`
}

// ConnectionStatus reports whether the backend holds a live connection to a chat's database.
type ConnectionStatus struct {
	IsConnected bool   `json:"is_connected"`
	Type        string `json:"type,omitempty"`
	Host        string `json:"host,omitempty"`
	Database    string `json:"database,omitempty"`
}

// Title returns the label used for a chat in the sidebar.
func (c Chat) Title() string {
	if c.Connection.Database == "" {
		return c.Connection.Host
	}
	return c.Connection.Database
}

// Input returns the connection details in the form the backend accepts, without a password.
func (c Connection) Input() ConnectionInput {
	return ConnectionInput{
		Type:     c.Type,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		Username: c.Username,
		UseSSL:   c.UseSSL,
	}
}

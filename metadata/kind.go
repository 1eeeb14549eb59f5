package metadata

import "strings"

// BackendKind is the family of external system a data source connects to.
type BackendKind string

const (
	KindMySQL      BackendKind = "mysql"
	KindPostgreSQL BackendKind = "postgresql"
	KindSQLServer  BackendKind = "sqlserver"
	KindKafka      BackendKind = "kafka"
)

var backendKinds = []BackendKind{KindMySQL, KindPostgreSQL, KindSQLServer, KindKafka}

func supportedKinds() string {
	names := make([]string, len(backendKinds))
	for i, k := range backendKinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// ParseBackendKind is the only way an untrusted string becomes a BackendKind.
// Matching is case-insensitive; "postgres" is accepted as an alias.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql":
		return KindMySQL, nil
	case "postgresql", "postgres":
		return KindPostgreSQL, nil
	case "sqlserver", "mssql":
		return KindSQLServer, nil
	case "kafka":
		return KindKafka, nil
	}
	return "", UnsupportedBackendError{Value: s}
}

func (k BackendKind) IsRelational() bool {
	return k == KindMySQL || k == KindPostgreSQL || k == KindSQLServer
}

func (k BackendKind) IsStreaming() bool {
	return k == KindKafka
}

func (k BackendKind) String() string {
	return string(k)
}

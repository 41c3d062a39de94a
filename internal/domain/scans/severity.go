package scans

import "strings"

// Severity is one of critical, high, medium, low.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// MapSeverity maps an image scanner severity label. Total: anything unknown is low.
func MapSeverity(label string) Severity {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DatabasePorts are the well-known ports of database engines.
var DatabasePorts = map[int]string{
	1433:  "mssql",
	1521:  "oracle",
	3306:  "mysql",
	5432:  "postgresql",
	5984:  "couchdb",
	6379:  "redis",
	9042:  "cassandra",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

var databaseNames = []string{
	"mysql", "mariadb", "postgres", "mongo", "redis", "mssql", "ms-sql",
	"oracle", "elasticsearch", "couchdb", "cassandra", "memcache",
}

// IsDatabaseService matches a service by port or by name.
func IsDatabaseService(port int, name string) bool {
	if _, ok := DatabasePorts[port]; ok {
		return true
	}
	n := strings.ToLower(name)
	for _, db := range databaseNames {
		if strings.Contains(n, db) {
			return true
		}
	}
	return false
}

// ServiceSeverity is the fixed network-exposure rule.
func ServiceSeverity(port int, name string) Severity {
	n := strings.ToLower(name)
	switch {
	case IsDatabaseService(port, n):
		return SeverityCritical
	case port == 21 || port == 22 || port == 23,
		strings.Contains(n, "ssh"), strings.Contains(n, "ftp"), strings.Contains(n, "telnet"):
		return SeverityHigh
	case port == 80 || port == 443:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

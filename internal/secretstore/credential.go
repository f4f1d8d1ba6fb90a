package secretstore

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/systmms/rdsrotate/internal/logging"
	"github.com/xeipuuv/gojsonschema"
)

// Defaults for optional credential fields.
const (
	DefaultPort         = 3306
	DefaultMySQLDBName  = "mysql"
	DefaultPostgresName = "postgres"

	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// credentialSchema describes the JSON payload stored in each secret version.
// Keys other than the ones listed are allowed and preserved.
const credentialSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["username", "password", "host"],
  "properties": {
    "username": {"type": "string", "minLength": 1},
    "password": {"type": "string"},
    "host":     {"type": "string", "minLength": 1},
    "port": {
      "type": ["integer", "string"],
      "pattern": "^[0-9]+$",
      "minimum": 1,
      "maximum": 65535
    },
    "dbname": {"type": "string"},
    "engine": {"type": "string"}
  }
}`

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(credentialSchema))
})

var knownKeys = map[string]bool{
	"username": true,
	"password": true,
	"host":     true,
	"port":     true,
	"dbname":   true,
	"engine":   true,
}

// Credential is one version of a database credential.
type Credential struct {
	Username string
	Password string
	Host     string
	Port     int
	DBName   string
	Engine   string

	// extra holds payload keys this package does not interpret, so that a
	// cloned credential writes them back untouched.
	extra map[string]json.RawMessage
}

// ParseCredential validates and decodes a secret payload, applying defaults
// for port and dbname.
func ParseCredential(data []byte) (Credential, error) {
	schema, err := loadSchema()
	if err != nil {
		return Credential{}, fmt.Errorf("failed to compile credential schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Credential{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Credential{}, fmt.Errorf("payload failed validation:\n  - %s", strings.Join(problems, "\n  - "))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Credential{}, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	var cred Credential
	for key, dst := range map[string]*string{
		"username": &cred.Username,
		"password": &cred.Password,
		"host":     &cred.Host,
		"dbname":   &cred.DBName,
		"engine":   &cred.Engine,
	} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return Credential{}, fmt.Errorf("field %s: %w", key, err)
			}
		}
	}

	cred.Port = DefaultPort
	if v, ok := raw["port"]; ok {
		port, err := parsePort(v)
		if err != nil {
			return Credential{}, err
		}
		cred.Port = port
	}

	if cred.DBName == "" {
		cred.DBName = DefaultMySQLDBName
		if cred.IsPostgres() {
			cred.DBName = DefaultPostgresName
		}
	}

	for key, v := range raw {
		if knownKeys[key] {
			continue
		}
		if cred.extra == nil {
			cred.extra = make(map[string]json.RawMessage)
		}
		cred.extra[key] = v
	}

	return cred, nil
}

func parsePort(v json.RawMessage) (int, error) {
	var n int64
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		parsed, err := strconv.ParseInt(s, 10, 0)
		if err != nil {
			return 0, fmt.Errorf("field port: %q is not a valid port", s)
		}
		n = parsed
	} else {
		var num json.Number
		if err := json.Unmarshal(v, &num); err != nil {
			return 0, fmt.Errorf("field port: %w", err)
		}
		if n, err = num.Int64(); err != nil {
			// 3306.0 is an integer to JSON Schema.
			f, ferr := num.Float64()
			if ferr != nil || f != math.Trunc(f) {
				return 0, fmt.Errorf("field port: %s is not an integer", num)
			}
			if f < 1 || f > 65535 {
				return 0, fmt.Errorf("field port: %s is not a valid port", num)
			}
			n = int64(f)
		}
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("field port: %d is not a valid port", n)
	}
	return int(n), nil
}

// IsPostgres reports whether the credential targets a PostgreSQL engine.
// RDS engine names such as "aurora-postgresql" count.
func (c Credential) IsPostgres() bool {
	return strings.Contains(strings.ToLower(c.Engine), EnginePostgres)
}

// Address returns host:port.
func (c Credential) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WithPassword returns a copy of c, extra keys included, using password.
func (c Credential) WithPassword(password string) Credential {
	clone := c
	clone.Password = password
	if c.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(c.extra))
		for k, v := range c.extra {
			clone.extra[k] = v
		}
	}
	return clone
}

// ExtraKeys lists the preserved payload keys in sorted order.
func (c Credential) ExtraKeys() []string {
	keys := make([]string, 0, len(c.extra))
	for k := range c.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON writes the credential back in the stored payload format.
func (c Credential) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.extra)+6)
	for k, v := range c.extra {
		out[k] = v
	}
	out["username"] = c.Username
	out["password"] = c.Password
	out["host"] = c.Host
	out["port"] = c.Port
	out["dbname"] = c.DBName
	if c.Engine != "" {
		out["engine"] = c.Engine
	}
	return json.Marshal(out)
}

// String never includes the password.
func (c Credential) String() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, c.Address(), c.DBName)
}

// GoString keeps %#v from printing the password.
func (c Credential) GoString() string {
	return fmt.Sprintf("secretstore.Credential{Username:%q, Password:%#v, Host:%q, Port:%d, DBName:%q, Engine:%q}",
		c.Username, logging.Secret(c.Password), c.Host, c.Port, c.DBName, c.Engine)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.json"

type User struct {
	Login        string `json:"login" yaml:"login"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"` // bcrypt
}

type Config struct {
	DebugMode bool   `json:"debug_mode" yaml:"debug_mode"`
	AppName   string `json:"app_name" yaml:"app_name"`
	Log       struct {
		Directory string `json:"directory" yaml:"directory"`
		Retention string `json:"retention" yaml:"retention"`
	} `json:"log" yaml:"log"`
	Server struct {
		Host               string  `json:"host" yaml:"host"`
		Port               int     `json:"port" yaml:"port"`
		MaxConnections     int     `json:"max_connections" yaml:"max_connections"`
		HandshakeTimeout   string  `json:"handshake_timeout" yaml:"handshake_timeout"`
		ConnectTimeout     string  `json:"connect_timeout" yaml:"connect_timeout"`
		CloseGrace         string  `json:"close_grace" yaml:"close_grace"`
		MaxHeaderBytes     int     `json:"max_header_bytes" yaml:"max_header_bytes"`
		MaxHeaders         int     `json:"max_headers" yaml:"max_headers"`
		MaxBodyBytes       int     `json:"max_body_bytes" yaml:"max_body_bytes"`
		MaxPendingMessages int     `json:"max_pending_messages" yaml:"max_pending_messages"` // per session, 0 disables
		RegistryShards     int     `json:"registry_shards" yaml:"registry_shards"`           // 0 uses the built-in default
		FrameRate          float64 `json:"frame_rate" yaml:"frame_rate"`                     // frames per second per session, 0 disables
		FrameBurst         int     `json:"frame_burst" yaml:"frame_burst"`
		WebSocketPort      int     `json:"websocket_port" yaml:"websocket_port"` // 0 disables
		WebSocketPath      string  `json:"websocket_path" yaml:"websocket_path"`
	} `json:"server" yaml:"server"`
	TLS struct {
		Enabled       bool   `json:"enabled" yaml:"enabled"`
		CertFile      string `json:"cert_file" yaml:"cert_file"`
		KeyFile       string `json:"key_file" yaml:"key_file"`
		CAFile        string `json:"ca_file" yaml:"ca_file"`
		ClientAuth    string `json:"client_auth" yaml:"client_auth"`       // none, optional, required
		PrincipalFrom string `json:"principal_from" yaml:"principal_from"` // common_name, distinguished_name, subject_alternative_name
	} `json:"tls" yaml:"tls"`
	Heartbeat struct {
		Send      string  `json:"send" yaml:"send"`
		Receive   string  `json:"receive" yaml:"receive"`
		Tolerance float64 `json:"tolerance" yaml:"tolerance"`
		Sweep     string  `json:"sweep" yaml:"sweep"`
	} `json:"heartbeat" yaml:"heartbeat"`
	Auth struct {
		AllowAnonymous bool   `json:"allow_anonymous" yaml:"allow_anonymous"`
		AnonymousLogin string `json:"anonymous_login" yaml:"anonymous_login"`
		CertLogin      bool   `json:"cert_login" yaml:"cert_login"`
		JWTSecret      string `json:"jwt_secret" yaml:"jwt_secret"`
		CacheSize      int    `json:"cache_size" yaml:"cache_size"`
		Users          []User `json:"users" yaml:"users"`
	} `json:"auth" yaml:"auth"`
	Nack struct {
		Requeue         bool `json:"requeue" yaml:"requeue"`
		MaxRedeliveries int  `json:"max_redeliveries" yaml:"max_redeliveries"`
	} `json:"nack" yaml:"nack"`
	Database struct {
		Enabled            bool   `json:"enabled" yaml:"enabled"`
		Host               string `json:"host" yaml:"host"`
		Port               uint64 `json:"port" yaml:"port"`
		Username           string `json:"username" yaml:"username"`
		Password           string `json:"password" yaml:"password"`
		Database           string `json:"database" yaml:"database"`
		UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
		Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
		MemoryHistory      int    `json:"memory_history" yaml:"memory_history"` // closed sessions kept when disabled
	} `json:"database" yaml:"database"`
}

var config Config
var initialized = false

// Default returns the configuration written out when no file exists.
func Default() Config {
	var c Config
	c.AppName = "life-stream-stomp"
	c.Log.Directory = "logs"
	c.Log.Retention = "30d"

	c.Server.Port = 61614
	c.Server.MaxConnections = 10000
	c.Server.HandshakeTimeout = "10s"
	c.Server.ConnectTimeout = "30s"
	c.Server.CloseGrace = "5s"
	c.Server.MaxHeaderBytes = 64 * 1024
	c.Server.MaxHeaders = 1000
	c.Server.MaxBodyBytes = 64 * 1024 * 1024
	c.Server.MaxPendingMessages = 10000
	c.Server.WebSocketPath = "/ws"

	c.TLS.Enabled = true
	c.TLS.CertFile = "certs/server.pem"
	c.TLS.KeyFile = "certs/server-key.pem"
	c.TLS.CAFile = "certs/ca.pem"
	c.TLS.ClientAuth = "optional"
	c.TLS.PrincipalFrom = "common_name"

	c.Heartbeat.Send = "10s"
	c.Heartbeat.Receive = "10s"
	c.Heartbeat.Tolerance = 1.5
	c.Heartbeat.Sweep = "500ms"

	c.Auth.AnonymousLogin = "guest"
	c.Auth.CertLogin = true
	c.Auth.CacheSize = 1024

	c.Nack.Requeue = true

	c.Database.Host = "localhost"
	c.Database.Port = 27017
	c.Database.Database = "stomp"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MaxPoolSize = 20
	c.Database.MemoryHistory = 1000
	return c
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, c Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "\t")
}

func unmarshal(path string, data []byte, c *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, c)
	}
	return json.Unmarshal(data, c)
}

// ReadConfig loads path (JSON, or YAML by extension) on top of the defaults and
// applies environment overrides. A missing file is created with the defaults and
// reported as an error so the operator can edit it first.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("read configuration file: %w", err)
		}
		data, _ := marshal(path, Default())
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return config, fmt.Errorf("create configuration file: %w", writeErr)
		}
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	loaded := Default()
	if err = unmarshal(path, bytes, &loaded); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid data: %w", err)
	}

	// .env is optional, real environment variables take precedence over it
	_ = godotenv.Load()
	if err = applyEnv(&loaded); err != nil {
		return config, err
	}
	if err = loaded.Validate(); err != nil {
		return config, err
	}

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("environment variable %s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("environment variable %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("STOMP_HOST", &c.Server.Host)
	str("STOMP_TLS_CERT_FILE", &c.TLS.CertFile)
	str("STOMP_TLS_KEY_FILE", &c.TLS.KeyFile)
	str("STOMP_TLS_CA_FILE", &c.TLS.CAFile)
	str("STOMP_TLS_CLIENT_AUTH", &c.TLS.ClientAuth)
	str("STOMP_JWT_SECRET", &c.Auth.JWTSecret)
	str("STOMP_DATABASE_HOST", &c.Database.Host)
	str("STOMP_DATABASE_USERNAME", &c.Database.Username)
	str("STOMP_DATABASE_PASSWORD", &c.Database.Password)
	return errors.Join(
		integer("STOMP_PORT", &c.Server.Port),
		integer("STOMP_WEBSOCKET_PORT", &c.Server.WebSocketPort),
		boolean("STOMP_DEBUG", &c.DebugMode),
		boolean("STOMP_TLS_ENABLED", &c.TLS.Enabled),
		boolean("STOMP_DATABASE_ENABLED", &c.Database.Enabled),
	)
}

// Validate checks the values that cannot be fixed up with a default.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.WebSocketPort < 0 || c.Server.WebSocketPort > 65535 {
		errs = append(errs, fmt.Errorf("server.websocket_port %d out of range", c.Server.WebSocketPort))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required when tls is enabled"))
	}
	switch c.TLS.ClientAuth {
	case "", "none":
	case "optional", "required":
		if c.TLS.Enabled && c.TLS.CAFile == "" {
			errs = append(errs, fmt.Errorf("tls.ca_file is required for client_auth %q", c.TLS.ClientAuth))
		}
	default:
		errs = append(errs, fmt.Errorf("tls.client_auth %q is not one of none, optional, required", c.TLS.ClientAuth))
	}
	switch c.TLS.PrincipalFrom {
	case "", "common_name", "distinguished_name", "subject_alternative_name":
	default:
		errs = append(errs, fmt.Errorf("tls.principal_from %q is not supported", c.TLS.PrincipalFrom))
	}
	if c.Heartbeat.Tolerance != 0 && c.Heartbeat.Tolerance < 1 {
		errs = append(errs, errors.New("heartbeat.tolerance must be at least 1"))
	}
	if c.Nack.MaxRedeliveries < 0 {
		errs = append(errs, errors.New("nack.max_redeliveries must not be negative"))
	}
	if c.Server.MaxPendingMessages < 0 {
		errs = append(errs, errors.New("server.max_pending_messages must not be negative"))
	}
	if c.Server.RegistryShards < 0 {
		errs = append(errs, errors.New("server.registry_shards must not be negative"))
	}
	if c.Database.MemoryHistory < 0 {
		errs = append(errs, errors.New("database.memory_history must not be negative"))
	}

	durations := map[string]string{
		"log.retention":                 c.Log.Retention,
		"server.handshake_timeout":      c.Server.HandshakeTimeout,
		"server.connect_timeout":        c.Server.ConnectTimeout,
		"server.close_grace":            c.Server.CloseGrace,
		"heartbeat.send":                c.Heartbeat.Send,
		"heartbeat.receive":             c.Heartbeat.Receive,
		"heartbeat.sweep":               c.Heartbeat.Sweep,
		"database.connect_timeout":      c.Database.ConnectTimeout,
		"database.socket_timeout":       c.Database.SocketTimeout,
		"database.connect_idle_timeout": c.Database.ConnectIdleTimeout,
		"database.operation_timeout":    c.Database.OperationTimeout,
		"database.heartbeat":            c.Database.Heartbeat,
	}
	for key, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) HandshakeTimeout() time.Duration {
	return utils.MustParseStringTime(c.Server.HandshakeTimeout)
}

func (c *Config) ConnectTimeout() time.Duration {
	return utils.MustParseStringTime(c.Server.ConnectTimeout)
}

func (c *Config) CloseGrace() time.Duration {
	return utils.MustParseStringTime(c.Server.CloseGrace)
}

func (c *Config) HeartbeatSend() time.Duration {
	return utils.MustParseStringTime(c.Heartbeat.Send)
}

func (c *Config) HeartbeatReceive() time.Duration {
	return utils.MustParseStringTime(c.Heartbeat.Receive)
}

func (c *Config) HeartbeatSweep() time.Duration {
	if d := utils.MustParseStringTime(c.Heartbeat.Sweep); d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

func (c *Config) LogRetention() time.Duration {
	return utils.MustParseStringTime(c.Log.Retention)
}

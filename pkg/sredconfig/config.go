// Package sredconfig loads the engine's configuration from YAML or
// JSON with environment-variable overrides applied by reflection (spec
// §10.3). Grounded on the teacher's pkg/config package: same
// Load/LoadWithEnv/ApplyEnvOverrides shape, generalized from a generic
// `interface{}` target to this engine's concrete EngineConfig.
package sredconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// PersistenceBackend selects the durable store pkg/engine wires up.
type PersistenceBackend string

const (
	BackendMemory   PersistenceBackend = "memory"
	BackendSQLite   PersistenceBackend = "sqlite"
	BackendPostgres PersistenceBackend = "postgres"
)

// PersistenceConfig configures pkg/persistence/sqlstore (or memstore).
type PersistenceConfig struct {
	Backend PersistenceBackend `yaml:"backend" json:"backend"`
	DSN     string             `yaml:"dsn" json:"dsn"`
	Driver  string             `yaml:"driver" json:"driver"` // postgres only: "pgx" (default) or "postgres" (lib/pq)
}

// BusConfig configures pkg/bus's bounded worker pool.
type BusConfig struct {
	MaxConcurrency  int `yaml:"maxConcurrency" json:"maxConcurrency"`
	QueueSize       int `yaml:"queueSize" json:"queueSize"`
	DeliveryTimeoutMs int `yaml:"deliveryTimeoutMs" json:"deliveryTimeoutMs"`
}

// ControlPlaneConfig configures pkg/controlplane's sweeper.
type ControlPlaneConfig struct {
	SweepIntervalMs int `yaml:"sweepIntervalMs" json:"sweepIntervalMs"`
}

// MetricsConfig configures pkg/sredmetrics's fasthttp listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// TraceConfig configures pkg/sredtrace's exporter selection.
type TraceConfig struct {
	Exporter string `yaml:"exporter" json:"exporter"` // "stdout", "zipkin", "jaeger", "" (disabled)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// SecurityConfig configures pkg/sredsecurity's admin-token checks.
type SecurityConfig struct {
	AdminTokenSigningKey string `yaml:"adminTokenSigningKey" json:"adminTokenSigningKey"`
}

// EngineConfig is the top-level configuration for pkg/engine's builder.
type EngineConfig struct {
	Persistence  PersistenceConfig  `yaml:"persistence" json:"persistence"`
	Bus          BusConfig          `yaml:"bus" json:"bus"`
	ControlPlane ControlPlaneConfig `yaml:"controlPlane" json:"controlPlane"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Trace        TraceConfig        `yaml:"trace" json:"trace"`
	Security     SecurityConfig     `yaml:"security" json:"security"`
}

// Default returns the configuration pkg/engine falls back to absent a
// config file: an in-memory backend, modest bus concurrency, a 5s
// sweep interval, metrics disabled.
func Default() EngineConfig {
	return EngineConfig{
		Persistence: PersistenceConfig{Backend: BackendMemory},
		Bus:         BusConfig{MaxConcurrency: 10, QueueSize: 1000, DeliveryTimeoutMs: 5000},
		ControlPlane: ControlPlaneConfig{SweepIntervalMs: 5000},
		Metrics:      MetricsConfig{Enabled: false, Address: ":9090"},
	}
}

// Load reads config from path (YAML or JSON, detected by extension;
// YAML is the fallback for an unrecognized extension) into target.
func Load(path string, target interface{}) error {
	if strings.HasSuffix(path, ".json") {
		return loadJSON(path, target)
	}
	return loadYAML(path, target)
}

// LoadWithEnv loads from path and then applies PREFIX_FIELD environment
// overrides (spec §10.3).
func LoadWithEnv(path, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("applying env overrides: %w", err)
	}
	return nil
}

func loadYAML(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading YAML file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshaling YAML: %w", err)
	}
	return nil
}

func loadJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading JSON file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return nil
}

// ApplyEnvOverrides walks target's fields by reflection, setting any
// whose PREFIX_FIELDNAME environment variable is set. Same mechanism
// the teacher's pkg/config.ApplyEnvOverrides uses.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "SRED"
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}
		envKey := strings.ReplaceAll(prefix+"_"+strings.ToUpper(fieldType.Name), "-", "_")

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("setting field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		if _, err := fmt.Sscanf(envValue, "%d", &v); err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(v)
	case reflect.Bool:
		field.SetBool(strings.ToLower(envValue) == "true" || envValue == "1")
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shardmig/migrator/pkg/migration/support/util/exception"
	"github.com/shardmig/migrator/pkg/migration/support/util/logger"

	"go.uber.org/fx"
)

const moduleName = "config"

// Params defines the dependencies for NewConfigProvider.
type Params struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	EnvFilePath    string `name:"envFilePath" optional:"true"`
}

// loadConfig loads configuration in precedence order: built-in defaults, then the
// embedded YAML document, then environment variables (highest precedence).
func loadConfig(envFilePath string, embedded EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not found or could not be loaded: %v", err)
	}

	cfg := NewConfig()

	if len(embedded) > 0 {
		expanded, err := (&OsEnvironmentExpander{}).Expand(embedded)
		if err != nil {
			return nil, exception.New(moduleName, "failed to expand embedded config", err, exception.ClassStructural)
		}
		var fileConfig Config
		if err := yaml.Unmarshal(expanded, &fileConfig); err != nil {
			return nil, exception.New(moduleName, "failed to unmarshal embedded config", err, exception.ClassStructural)
		}
		mergeNonZero(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(&fileConfig).Elem())
	}

	if err := loadStructFromEnv(reflect.ValueOf(&cfg.Engine).Elem(), "ENGINE"); err != nil {
		return nil, exception.New(moduleName, "failed to load config from environment variables", err, exception.ClassStructural)
	}
	return cfg, nil
}

// NewConfigProvider is the fx provider for *Config. It loads configuration, sets
// the global snapshot and logger level, and returns the result.
func NewConfigProvider(p Params) (*Config, error) {
	cfg, err := loadConfig(p.EnvFilePath, p.EmbeddedConfig)
	if err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	logger.SetLogLevel(cfg.Engine.Logging.Level)
	logger.Infof("log level set to: %s", cfg.Engine.Logging.Level)
	return cfg, nil
}

// LoadConfig is the non-fx entry point, used by tests and standalone tools.
func LoadConfig(envFilePath string, embedded EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, embedded)
}

// mergeNonZero deep-merges src into dest, field by field: a non-zero src field
// overwrites the corresponding dest field; zero-value src fields leave dest's
// default untouched. Recurses into nested structs; slices and maps are replaced
// wholesale when non-nil, matching the defaults-then-override precedence model.
func mergeNonZero(dest, src reflect.Value) {
	if dest.Kind() != reflect.Struct || src.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < dest.NumField(); i++ {
		df := dest.Field(i)
		sf := src.Field(i)
		if !df.CanSet() {
			continue
		}
		switch sf.Kind() {
		case reflect.Struct:
			mergeNonZero(df, sf)
		case reflect.Slice, reflect.Map:
			if !sf.IsNil() && sf.Len() > 0 {
				df.Set(sf)
			}
		default:
			if !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}

// loadStructFromEnv recursively overrides fields from environment variables named
// by the "yaml" tag, upper-cased and prefixed (e.g. ENGINE_BATCH_PUMP_DEFAULT_BATCH).
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + "_" + strings.ReplaceAll(yamlTag, ".", "_"))

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64, reflect.Float32:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(strings.Split(value, ",")))
		}
	}
	return nil
}

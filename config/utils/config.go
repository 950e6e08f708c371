// Package config loads the engine's JSON configuration document & provides
// the typed config structs for the scheduler, storage, logger and metrics.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains every recognized option of the configuration document.
type (
	AppConfig struct {
		App       *App       `mapstructure:"app"`
		Logger    *Logger    `mapstructure:"logger"`
		Scheduler *Scheduler `mapstructure:"scheduler"`
		Storage   *Storage   `mapstructure:"storage"`
		Metrics   *Metrics   `mapstructure:"metrics"`
		Resources []Resource `mapstructure:"resources"`
	}

	// App contains display metadata for the process
	App struct {
		Name string `mapstructure:"name"`
		Env  string `mapstructure:"env"`
	}

	// Scheduler contains the scheduling and worker pool options
	Scheduler struct {
		MaxConcurrentTasks                  int    `mapstructure:"max_concurrent_tasks"`
		DefaultPriority                     string `mapstructure:"default_priority"`
		RetryAttempts                       int    `mapstructure:"retry_attempts"`
		ScheduleOptimizationIntervalSeconds int    `mapstructure:"schedule_optimization_interval_seconds"`
		ResourceMonitoringIntervalSeconds   int    `mapstructure:"resource_monitoring_interval_seconds"`
		EnablePredictiveScheduling          bool   `mapstructure:"enable_predictive_scheduling"`
		EnableResourceOptimization          bool   `mapstructure:"enable_resource_optimization"`
		PollIntervalMs                      int    `mapstructure:"poll_interval_ms"`
		TaskTimeoutSeconds                  int    `mapstructure:"task_timeout_seconds"`
		BlockedWarningSeconds               int    `mapstructure:"blocked_warning_seconds"`
	}

	// Storage contains the local persistence paths
	Storage struct {
		StatePath   string `mapstructure:"state_path"`
		HistoryPath string `mapstructure:"history_path"`
		ReportPath  string `mapstructure:"report_path"`
	}

	// Metrics contains the optional exposition listener address
	Metrics struct {
		Addr string `mapstructure:"addr"`
	}

	// Resource seeds one capacity pool in the registry
	Resource struct {
		Name     string  `mapstructure:"name"`
		Type     string  `mapstructure:"type"`
		Capacity float64 `mapstructure:"capacity"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// OptimizeInterval converts the document value to a duration.
func (s *Scheduler) OptimizeInterval() time.Duration {
	return time.Duration(s.ScheduleOptimizationIntervalSeconds) * time.Second
}

// MonitorInterval converts the document value to a duration.
func (s *Scheduler) MonitorInterval() time.Duration {
	return time.Duration(s.ResourceMonitoringIntervalSeconds) * time.Second
}

// PollInterval converts the document value to a duration.
func (s *Scheduler) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// TaskTimeout converts the document value to a duration; zero disables the
// payload deadline.
func (s *Scheduler) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutSeconds) * time.Second
}

// BlockedThreshold converts the document value to a duration.
func (s *Scheduler) BlockedThreshold() time.Duration {
	return time.Duration(s.BlockedWarningSeconds) * time.Second
}

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults registers the default document. It is written out verbatim
// when no config file exists yet.
func setDefaults() {
	viper.SetDefault("app.name", "taskforge")
	viper.SetDefault("app.env", "development")

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "console")
	viper.SetDefault("logger.development", false)
	viper.SetDefault("logger.disableStacktrace", false)
	viper.SetDefault("logger.encoderConfig.messageKey", "msg")
	viper.SetDefault("logger.encoderConfig.levelKey", "level")
	viper.SetDefault("logger.encoderConfig.timeKey", "ts")
	viper.SetDefault("logger.encoderConfig.nameKey", "logger")
	viper.SetDefault("logger.encoderConfig.callerKey", "caller")

	viper.SetDefault("scheduler.max_concurrent_tasks", 4)
	viper.SetDefault("scheduler.default_priority", "NORMAL")
	viper.SetDefault("scheduler.retry_attempts", 3)
	viper.SetDefault("scheduler.schedule_optimization_interval_seconds", 60)
	viper.SetDefault("scheduler.resource_monitoring_interval_seconds", 30)
	viper.SetDefault("scheduler.enable_predictive_scheduling", false)
	viper.SetDefault("scheduler.enable_resource_optimization", false)
	viper.SetDefault("scheduler.poll_interval_ms", 500)
	viper.SetDefault("scheduler.task_timeout_seconds", 300)
	viper.SetDefault("scheduler.blocked_warning_seconds", 300)

	viper.SetDefault("storage.state_path", ".taskforge/state.json")
	viper.SetDefault("storage.history_path", ".taskforge/history.db")
	viper.SetDefault("storage.report_path", ".taskforge/report.md")

	viper.SetDefault("metrics.addr", "")

	viper.SetDefault("resources", []map[string]any{
		{"name": "cpu", "type": "compute", "capacity": 8},
		{"name": "memory", "type": "memory", "capacity": 16384},
		{"name": "storage", "type": "storage", "capacity": 102400},
	})
}

// New loads the configuration document, writing the default document first
// when none exists.
func New(path string) (*AppConfig, error) {
	setDefaults()

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath(".taskforge")
		path = "config.json"
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("taskforge")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file; a missing document is written with defaults
	// rather than treated as an error.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			if werr := viper.WriteConfigAs(path); werr != nil {
				return nil, werr
			}
		} else {
			return nil, err
		}
	}

	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config, nil
}

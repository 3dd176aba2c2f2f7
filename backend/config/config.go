package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config 是服务的基础设施配置，从 collabConfig.yaml 与环境变量读取。
// 协作策略（COLLAB_*）见 policy.go。
type Config struct {
	Running struct {
		Port            int `mapstructure:"port"`
		ShutdownTimeout int `mapstructure:"shutdownTimeoutSec"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// JWTSecret 为空时不校验 token，身份信息只来自握手参数
		JWTSecret string `mapstructure:"jwtSecret"`
		Required  bool   `mapstructure:"required"`
	} `mapstructure:"auth"`
	Storage struct {
		Driver string `mapstructure:"driver"` // local | mysql | postgres
		Root   string `mapstructure:"root"`   // local 驱动的根目录
	} `mapstructure:"storage"`
	Snapshots struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"snapshots"`
}

// 每个键都要有默认值，否则只由环境变量提供的键不会被 Unmarshal 读到
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8083)
	v.SetDefault("running.shutdownTimeoutSec", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "editor-sync.document-events")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.required", false)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("snapshots.enabled", false)
}

// Load 读取配置。path 为空时按 ./backend/config、./config、. 的顺序查找 collabConfig.yaml，
// 找不到文件时只使用默认值与环境变量。
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	// redis.addr <- REDIS_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// ViperLookup 让策略解析同时读取环境变量与配置文件中的同名键
func ViperLookup(v *viper.Viper) Lookup {
	return func(key string) (string, bool) {
		if !v.IsSet(key) {
			return "", false
		}
		return v.GetString(key), true
	}
}

package core

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		AppName         string
		Env             string // DEV (local; default), TEST, QA, PROD
		Build           string
		Debug           bool
		TestMode        bool
		SecretKey       string
		RollbarToken    string
		FrontendBaseURL string
		Server          ServerConfig
		Database        DatabaseConfig
		Realtime        RealtimeConfig
	}

	ServerConfig struct {
		Host                      string
		Address                   string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		AllowedOrigins            []string
	}

	DatabaseConfig struct {
		InMemory      bool
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RealtimeConfig struct {
		RedisURL       string
		RedisChannel   string
		SendRate       float64 // sendMessage events per second, per connection
		SendBurst      int
		SendBufferSize int
	}
)

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// NewConfig loads the configuration from defaults, the optional `config/.env.<env>` file and the environment.
// Environment variables are prefixed with the current env, eg. `DEV_SECRET_KEY`.
func NewConfig() *Config {
	v := viper.New()

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", env == "DEV" || env == "TEST")
	v.SetDefault("test_mode", env == "TEST")
	v.SetDefault("app_name", "Masomo")
	v.SetDefault("build", "develop")
	v.SetDefault("secret_key", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbar_token", "")
	v.SetDefault("frontend_base_url", "http://localhost:3000")

	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_address", ":8000")
	v.SetDefault("server_debug_host", ":4000")
	v.SetDefault("server_shutdown_timeout", 5*time.Second)
	v.SetDefault("jwt_expiration_delta", 7*24*time.Hour)
	v.SetDefault("jwt_refresh_expiration_delta", 4*time.Hour)
	v.SetDefault("server_allowed_origins", []string{"*"})

	v.SetDefault("database_inmemory", false)
	v.SetDefault("database_engine", "postgres")
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", "5432")
	v.SetDefault("database_name", "masomo")
	v.SetDefault("database_user", "masomo")
	v.SetDefault("database_password", "masomo")
	v.SetDefault("database_admin_user", "postgres")
	v.SetDefault("database_admin_password", "postgres")
	v.SetDefault("database_disable_tls", true)

	v.SetDefault("realtime_redis_url", "")
	v.SetDefault("realtime_redis_channel", "masomo:realtime")
	v.SetDefault("realtime_send_rate", 5.0)
	v.SetDefault("realtime_send_burst", 10)
	v.SetDefault("realtime_send_buffer_size", 256)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}

	v.SetEnvPrefix(env)
	v.AutomaticEnv()

	return &Config{
		AppName:         v.GetString("app_name"),
		Env:             env,
		Build:           v.GetString("build"),
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("test_mode"),
		SecretKey:       v.GetString("secret_key"),
		RollbarToken:    v.GetString("rollbar_token"),
		FrontendBaseURL: v.GetString("frontend_base_url"),
		Server: ServerConfig{
			Host:                      v.GetString("server_host"),
			Address:                   v.GetString("server_address"),
			DebugHost:                 v.GetString("server_debug_host"),
			ShutdownTimeout:           v.GetDuration("server_shutdown_timeout"),
			JWTExpirationDelta:        v.GetDuration("jwt_expiration_delta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwt_refresh_expiration_delta"),
			AllowedOrigins:            v.GetStringSlice("server_allowed_origins"),
		},
		Database: DatabaseConfig{
			InMemory:      v.GetBool("database_inmemory"),
			Engine:        v.GetString("database_engine"),
			Host:          v.GetString("database_host"),
			Port:          v.GetString("database_port"),
			Name:          v.GetString("database_name"),
			User:          v.GetString("database_user"),
			Password:      v.GetString("database_password"),
			AdminUser:     v.GetString("database_admin_user"),
			AdminPassword: v.GetString("database_admin_password"),
			DisableTLS:    v.GetBool("database_disable_tls"),
		},
		Realtime: RealtimeConfig{
			RedisURL:       v.GetString("realtime_redis_url"),
			RedisChannel:   v.GetString("realtime_redis_channel"),
			SendRate:       v.GetFloat64("realtime_send_rate"),
			SendBurst:      v.GetInt("realtime_send_burst"),
			SendBufferSize: v.GetInt("realtime_send_buffer_size"),
		},
	}
}

// NewTestConfig returns a Config suitable for tests: debug off (so errors are rendered as in production),
// test mode on and short-lived tokens.
func NewTestConfig() *Config {
	return &Config{
		AppName:   "Masomo",
		Env:       "TEST",
		Build:     "test",
		TestMode:  true,
		SecretKey: "secret",
		Server: ServerConfig{
			Host:                      "localhost",
			ShutdownTimeout:           time.Second,
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			AllowedOrigins:            []string{"*"},
		},
		Database: DatabaseConfig{InMemory: true},
		Realtime: RealtimeConfig{
			SendRate:       100,
			SendBurst:      100,
			SendBufferSize: 64,
		},
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s (%s, build %s)", c.AppName, c.Env, c.Build)
}

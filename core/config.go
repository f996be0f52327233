package core

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug    bool
		TestMode bool
		Env      string // DEV (default), TEST, QA, PROD
		Build    string

		AppName          string
		SecretKey        string
		FrontendBaseURL  string
		DefaultFromName  string
		DefaultFromAddr  string
		SendgridAPIKey   string
		RollbarToken     string

		Server     ServerConfig
		Database   DatabaseConfig
		Attendance AttendanceConfig
	}

	ServerConfig struct {
		Host            string
		DebugHost       string
		ShutdownTimeout time.Duration

		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		Host          string
		Port          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	// AttendanceConfig carries the session policy knobs.
	AttendanceConfig struct {
		LateThreshold         time.Duration // boundary between "present" and "late"
		DefaultGeofenceRadius float64       // meters
		FaceMatchThreshold    float64       // minimum confidence in [0,1]
	}
)

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + c.Port
}

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.DefaultFromName, Address: c.DefaultFromAddr}
}

// NewConfig loads the app configuration: defaults first, then an optional
// config/.env.<env> file, then environment variables (prefixed with <ENV>_).
func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Uwepo")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "kq2@y7^mfz&8dxj)e$1u0s!vgn4(h3c%wa5rt9bp6lo+i-_=")
	v.SetDefault("frontendBaseUrl", "http://localhost:8080")
	v.SetDefault("defaultFromName", "Uwepo")
	v.SetDefault("defaultFromAddr", "noreply@localhost")

	v.SetDefault("serverHost", "0.0.0.0:8000")
	v.SetDefault("serverDebugHost", "0.0.0.0:4000")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("databaseEngine", "postgres")
	v.SetDefault("databaseName", "uwepo")
	v.SetDefault("databaseHost", "localhost")
	v.SetDefault("databasePort", "5432")
	v.SetDefault("databaseUser", "uwepo")
	v.SetDefault("databasePassword", "")
	v.SetDefault("databaseDisableTls", true)

	v.SetDefault("attendanceLateThreshold", 15*time.Minute)
	v.SetDefault("attendanceGeofenceRadius", float64(50))
	v.SetDefault("attendanceFaceMatchThreshold", 0.6)

	env := os.Getenv("ENV")
	if env == "" {
		env = "DEV"
	}
	var testMode bool
	if strings.EqualFold(env, "TEST") {
		testMode = true
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err = godotenv.Load(dotEnvPath); err != nil {
			log.Fatal(fmt.Sprintf("config.godotenv(%s): %v", dotEnvPath, err))
		}
	} else if !os.IsNotExist(err) {
		log.Fatal(fmt.Sprintf("config.os.Stat(%s): %v", dotEnvPath, err))
	}
	v.AutomaticEnv()

	return &Config{
		Debug:           v.GetBool("debug"),
		TestMode:        testMode,
		Env:             env,
		Build:           v.GetString("build"),
		AppName:         v.GetString("appName"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: v.GetString("frontendBaseUrl"),
		DefaultFromName: v.GetString("defaultFromName"),
		DefaultFromAddr: v.GetString("defaultFromAddr"),
		SendgridAPIKey:  v.GetString("sendgridApiKey"),
		RollbarToken:    v.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:                      v.GetString("serverHost"),
			DebugHost:                 v.GetString("serverDebugHost"),
			ShutdownTimeout:           v.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("databaseEngine"),
			Name:          v.GetString("databaseName"),
			Host:          v.GetString("databaseHost"),
			Port:          v.GetString("databasePort"),
			User:          v.GetString("databaseUser"),
			Password:      v.GetString("databasePassword"),
			AdminUser:     v.GetString("databaseAdminUser"),
			AdminPassword: v.GetString("databaseAdminPassword"),
			DisableTLS:    v.GetBool("databaseDisableTls"),
		},
		Attendance: AttendanceConfig{
			LateThreshold:         v.GetDuration("attendanceLateThreshold"),
			DefaultGeofenceRadius: v.GetFloat64("attendanceGeofenceRadius"),
			FaceMatchThreshold:    v.GetFloat64("attendanceFaceMatchThreshold"),
		},
	}
}

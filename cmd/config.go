package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
	"go.uber.org/zap"
)

type config struct {
	db              dbutil.Config
	port            string
	userID          string
	redis           redisConfig
	stunURLs        []string
	pollInterval    time.Duration
	ringTimeout     time.Duration
	serviceRegistry serviceRegistryConfig
	turn            turnConfig
	migrationsPath  string
	jwtCredentials  jwt.Credentials
}

type redisConfig struct {
	addr     string
	password string
	prefix   string
}

type serviceRegistryConfig struct {
	url string
}

type turnConfig struct {
	udpPort     int
	rpcProtocol string
}

func getConfig() config {
	return config{
		db: dbutil.MysqlConfig{
			Host:             environ.MustGet("DB_HOST"),
			Port:             environ.MustGet("DB_PORT"),
			Database:         environ.MustGet("DB_DATABASE"),
			User:             environ.MustGet("DB_USERNAME"),
			Password:         environ.MustGet("DB_PASSWORD"),
			ConnectionParams: "parseTime=true",
		},
		port:            environ.Get("SERVICE_PORT", "8080"),
		userID:          environ.MustGet("USER_ID"),
		redis:           getRedisConfig(),
		stunURLs:        getStunURLs(),
		pollInterval:    getDuration("POLL_INTERVAL", "3s"),
		ringTimeout:     getDuration("RING_TIMEOUT", "0s"),
		turn:            getTurnConfig(),
		serviceRegistry: getServiceRegistryConfig(),
		migrationsPath:  environ.Get("MIGRATIONS_PATH", "/etc/call-manager/migrations"),
		jwtCredentials:  getJwtCredentials(),
	}
}

func getRedisConfig() redisConfig {
	return redisConfig{
		addr:     environ.Get("REDIS_ADDR", ""),
		password: environ.Get("REDIS_PASSWORD", ""),
		prefix:   environ.Get("REDIS_CHANNEL_PREFIX", "calls"),
	}
}

func getStunURLs() []string {
	urls := make([]string, 0)
	for _, u := range strings.Split(environ.Get("STUN_URLS", "stun:stun.l.google.com:19302"), ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func getDuration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(environ.Get(key, fallback))
	if err != nil {
		log.Fatal("failed to parse "+key, zap.Error(err))
	}
	return d
}

func getTurnConfig() turnConfig {
	udpPort, err := strconv.Atoi(environ.Get("TURN_UDP_PORT", "3478"))
	if err != nil {
		log.Fatal("failed to parse turn udp port", zap.Error(err))
	}

	return turnConfig{
		udpPort:     udpPort,
		rpcProtocol: environ.Get("TURN_RPC_PROTOCOL", "http"),
	}
}

func getServiceRegistryConfig() serviceRegistryConfig {
	return serviceRegistryConfig{
		url: environ.Get("SERVICEREGISTRY_URL", ""),
	}
}

func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.MustGet("JWT_ISSUER"),
		Secret: environ.MustGet("JWT_SECRET"),
	}
}

package config

import (
	"os"
	"strconv"
)

type Config struct {
	// HTTP (counters exposition only)
	HTTPPort string

	// NATS transport
	NATSURL         string
	SubjectPattern  string
	NATSUser        string
	NATSPassword    string
	ClientName      string
	ReconnectWaitMS int
	MaxReconnectMS  int

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Calibration / projection
	CalibrationPath   string
	ControlPointsPath string
	OriginLat         float64
	OriginLon         float64

	// Plant bounds (advisory)
	PlantXMin float64
	PlantXMax float64
	PlantYMin float64
	PlantYMax float64

	// Zones
	ZonesPath          string
	ZoneRefreshSeconds int

	// Pipeline
	Workers         int
	ShardQueueSize  int
	SampleRateHz    float64
	BufferCapacity  int
	RetryCapacity   int
	RetryTTLSeconds int
	FlushIntervalMS int
	FlushBatchMax   int

	// Anomaly thresholds
	SpeedThreshold    float64 // m/s, detector ceiling (validator hard ceiling is separate)
	ZScoreThreshold   float64 // standard deviations
	AccelThreshold    float64 // m/s^2
	IdleThreshold     float64 // seconds
	QualityThreshold  float64
	BatteryThreshold  float64 // percent
	CollisionDistance float64 // meters
	NoveltyThreshold  float64
	RetrainSeconds    int
	CollisionSweepMS  int
	StatsLogSeconds   int
}

func Load() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8001"),

		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		SubjectPattern:  getEnv("NATS_SUBJECT", "rtls.*.position"),
		NATSUser:        getEnv("NATS_USER", ""),
		NATSPassword:    getEnv("NATS_PASSWORD", ""),
		ClientName:      getEnv("NATS_CLIENT_NAME", "agv-rtls-ingest"),
		ReconnectWaitMS: getEnvInt("NATS_RECONNECT_WAIT_MS", 500),
		MaxReconnectMS:  getEnvInt("NATS_MAX_RECONNECT_MS", 60000),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "agv_user"),
		DBPassword: getEnv("DB_PASSWORD", "agv_password"),
		DBName:     getEnv("DB_NAME", "agv_rtls"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 15)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CalibrationPath:   getEnv("CALIBRATION_PATH", "assets/calibration/affine_matrix.json"),
		ControlPointsPath: getEnv("CONTROL_POINTS_PATH", ""),
		OriginLat:         getEnvFloat("PROJ_ORIGIN_LAT", 0),
		OriginLon:         getEnvFloat("PROJ_ORIGIN_LON", 0),

		PlantXMin: getEnvFloat("PLANT_XMIN", 0),
		PlantXMax: getEnvFloat("PLANT_XMAX", 200),
		PlantYMin: getEnvFloat("PLANT_YMIN", 0),
		PlantYMax: getEnvFloat("PLANT_YMAX", 150),

		ZonesPath:          getEnv("ZONES_PATH", "assets/zones.yaml"),
		ZoneRefreshSeconds: getEnvInt("ZONE_REFRESH_SECONDS", 60),

		Workers:         getEnvInt("PIPELINE_WORKERS", 4),
		ShardQueueSize:  getEnvInt("SHARD_QUEUE_SIZE", 2048),
		SampleRateHz:    getEnvFloat("SAMPLE_RATE_HZ", 3),
		BufferCapacity:  getEnvInt("BUFFER_CAPACITY", 10000),
		RetryCapacity:   getEnvInt("RETRY_CAPACITY", 1000),
		RetryTTLSeconds: getEnvInt("RETRY_TTL_SECONDS", 300),
		FlushIntervalMS: getEnvInt("FLUSH_INTERVAL_MS", 1000),
		FlushBatchMax:   getEnvInt("FLUSH_BATCH_MAX", 10000),

		SpeedThreshold:    getEnvFloat("SPEED_THRESHOLD_MPS", 5.0),
		ZScoreThreshold:   getEnvFloat("ZSCORE_THRESHOLD", 3.0),
		AccelThreshold:    getEnvFloat("ACCEL_THRESHOLD_MPS2", 3.0),
		IdleThreshold:     getEnvFloat("IDLE_THRESHOLD_SECONDS", 300),
		QualityThreshold:  getEnvFloat("QUALITY_THRESHOLD", 0.3),
		BatteryThreshold:  getEnvFloat("BATTERY_THRESHOLD_PCT", 15),
		CollisionDistance: getEnvFloat("COLLISION_DISTANCE_M", 2.0),
		NoveltyThreshold:  getEnvFloat("NOVELTY_THRESHOLD", 3.0),
		RetrainSeconds:    getEnvInt("RETRAIN_SECONDS", 60),
		CollisionSweepMS:  getEnvInt("COLLISION_SWEEP_MS", 1000),
		StatsLogSeconds:   getEnvInt("STATS_LOG_SECONDS", 60),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

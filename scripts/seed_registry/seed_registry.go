package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file — using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_registry(ctx, client)
	step2_verify(ctx, client)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/ingest")
}

func step1_registry(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 1: Seeding AGV registry ────────────────")

	// Key pattern: agv:registry:{agv_id} → status
	// The zone engine looks these up to authorize RESTRICTED and
	// MAINTENANCE zone entry. TTL = 0 means permanent.
	statuses := map[string]string{
		"agv:registry:agv-001": "ACTIVE",
		"agv:registry:agv-002": "ACTIVE",
		"agv:registry:agv-003": "MAINTENANCE",
		"agv:registry:agv-004": "AUTHORIZED",
		"agv:registry:test-01": "ACTIVE",
	}

	for key, status := range statuses {
		err := client.Set(ctx, key, status, 0).Err()
		if err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", key, status)
	}
}

func step2_verify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "agv:registry:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d registry entries found in Redis\n", len(keys))

	val, err := client.Get(ctx, "agv:registry:test-01").Result()
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: agv:registry:test-01 → %s\n", val)
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
